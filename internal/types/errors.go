package types

// Error codes used by the REST API. The numeric suffix is the HTTP status.
const (
	CodeAuthBadRequest   = "AUTH_400"
	CodeAuthUnauthorized = "AUTH_401"
	CodeUserBadRequest   = "USER_400"
	CodeUserNotFound     = "USER_404"
	CodeUserInternal     = "USER_500"

	CodeScheduleBadRequest  = "SCHEDULE_400"
	CodeScheduleNotFound    = "SCHEDULE_404"
	CodeScheduleBusy        = "SCHEDULE_409"
	CodeScheduleRejected    = "SCHEDULE_422"
	CodeScheduleInternal    = "SCHEDULE_500"
	CodeScheduleNodesFailed = "SCHEDULE_502"

	CodeNodeNotFound = "NODE_404"

	CodeCloudUnauthorized = "CLOUD_401"
	CodeCloudUnavailable  = "CLOUD_503"
	CodeCloudBadResponse  = "CLOUD_502"

	CodeSystemInternal = "SYSTEM_500"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
