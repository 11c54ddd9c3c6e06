// Package clientip resolves the originating client address of an HTTP
// request behind reverse proxies. The billing API uses it to key per-IP
// rate-limit buckets for requests that carry no organization header, so
// resolution always yields a validated, normalized IP rather than an
// attacker-controlled header value.
package clientip
