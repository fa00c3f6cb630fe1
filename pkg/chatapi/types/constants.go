package types

const (
	MessageBase = "/message"

	EndpointHistory       = MessageBase + "/chat-history/"
	EndpointGroupHistory  = MessageBase + "/chat-history/group/"
	EndpointPinned        = MessageBase + "/all-pinned-messages"
	EndpointSearch        = MessageBase + "/search"
	EndpointUpload        = MessageBase + "/upload-file"
	EndpointRefreshTokens = "/auth/refresh"
)

const ServiceName = "chat-api"
