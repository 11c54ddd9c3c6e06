// Package validator provides the request validation rules the HTTP surface
// applies before handing work to the billing services.
//
// Rules are composed per request and evaluated together, so a response
// reports every invalid field in one pass:
//
//	err := validator.Apply(
//		validator.Required("plan_id", req.PlanID),
//		validator.ValidURL("success_url", req.SuccessURL),
//	)
//
// A non-nil result is always ValidationErrors; handlers detect it with
// IsValidationError and flatten it into the error envelope's field map.
package validator
