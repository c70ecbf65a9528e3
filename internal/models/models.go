package models

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was handed to the platform.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the platform reported delivery.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the recipient read the message.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message could not be sent.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records the delivery status of one outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates an inbound event was queued for processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse is the JSON envelope of every api handler.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage is Success with a human-readable note.
func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error builds an error envelope.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted marks an inbound event queued for asynchronous handling.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}
