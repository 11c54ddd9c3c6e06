// Package lifecycle implements customer-initiated subscription transitions:
// signup, plan changes, cancellation, and reactivation.
//
// Commands are issued to the payment processor first; the processor's
// webhook stream then confirms them and settles local state through the
// synchronizer. Operations that customers observe immediately (plan change,
// cancel flag) also write an optimistic local update so reads do not lag the
// webhook round-trip; the synchronizer's last-write-wins rule reconciles any
// difference.
//
// Plan changes classify as upgrade or downgrade by comparing normalized
// monthly-equivalent prices (annual divided by twelve). Only a strictly
// higher price is an upgrade and prorates immediately; everything else is a
// downgrade and takes effect without proration.
package lifecycle
