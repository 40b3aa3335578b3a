package proto

// Message type discriminators carried in the "type" field of every frame.
const (
	TypeRegister         = "register"
	TypeRegisterResult   = "register_result"
	TypeRequestNewTunnel = "request_new_tunnel"
	TypeNewTunnel        = "new_tunnel"
)

// Message is the single envelope shared by both directions of the control
// protocol. Fields not used by a variant are omitted on the wire.
type Message struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	TunnelID string `json:"tunnel_id,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Register is sent by the edge as the first frame on a control connection.
func Register(clientID string) Message {
	return Message{Type: TypeRegister, ClientID: clientID}
}

// RegisterOK acknowledges a successful registration.
func RegisterOK() Message {
	return Message{Type: TypeRegisterResult, Success: true}
}

// RegisterErr rejects a registration with a reason.
func RegisterErr(reason string) Message {
	return Message{Type: TypeRegisterResult, Error: reason}
}

// RequestNewTunnel asks the edge to open a tunnel and greet it with id.
func RequestNewTunnel(tunnelID string) Message {
	return Message{Type: TypeRequestNewTunnel, TunnelID: tunnelID}
}

// NewTunnel is the greeting sent by the edge as the first frame on a
// freshly opened tunnel connection.
func NewTunnel(tunnelID, clientID string) Message {
	return Message{Type: TypeNewTunnel, TunnelID: tunnelID, ClientID: clientID}
}
