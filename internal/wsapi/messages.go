package wsapi

// Server-to-client and client-to-server frame shapes (spec §6). All WS
// messages are UTF-8 JSON objects with a string "type".

type AuthenticatedFrame struct {
	Type string `json:"type"`
}

type NoticeFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newErrorFrame(message string) ErrorFrame {
	return ErrorFrame{Type: "Error", Message: message}
}
