package tunnel

import (
	"encoding/binary"
	"fmt"

	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

// KNXnet/IP header constants.
const (
	headerLength    = 0x06
	protocolVersion = 0x10
)

// ServiceType identifies a KNXnet/IP service.
type ServiceType uint16

// Services used by the tunnelling client.
const (
	ServiceConnectRequest         ServiceType = 0x0205
	ServiceConnectResponse        ServiceType = 0x0206
	ServiceConnectionStateRequest ServiceType = 0x0207
	ServiceConnectionStateResp    ServiceType = 0x0208
	ServiceDisconnectRequest      ServiceType = 0x0209
	ServiceDisconnectResponse     ServiceType = 0x020A
	ServiceTunnellingRequest      ServiceType = 0x0420
	ServiceTunnellingAck          ServiceType = 0x0421
)

// Connection request and response fields.
const (
	hpaiLength          = 0x08
	hostProtocolTCP     = 0x02
	criLength           = 0x04
	connTypeTunnel      = 0x04
	tunnelLinkLayer     = 0x02
	connHeaderLength    = 0x04
	statusNoError       = 0x00
	connectResponseSize = 2 + hpaiLength + 4
)

// tcpHPAI is the host protocol address for TCP: the route-back endpoint is
// the stream itself, so address and port are zero.
var tcpHPAI = []byte{hpaiLength, hostProtocolTCP, 0, 0, 0, 0, 0, 0}

// EncodeMessage frames body with a KNXnet/IP header.
func EncodeMessage(service ServiceType, body []byte) []byte {
	total := headerLength + len(body)
	msg := make([]byte, 0, total)
	msg = append(msg, headerLength, protocolVersion)
	msg = binary.BigEndian.AppendUint16(msg, uint16(service))
	msg = binary.BigEndian.AppendUint16(msg, uint16(total)) //nolint:gosec // bounded by read buffer
	return append(msg, body...)
}

// ParseMessage validates the header of a complete message and returns
// the service type and body.
func ParseMessage(msg []byte) (ServiceType, []byte, error) {
	if len(msg) < headerLength {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrInvalidMessage, len(msg))
	}
	if msg[0] != headerLength || msg[1] != protocolVersion {
		return 0, nil, fmt.Errorf("%w: header % X", ErrInvalidMessage, msg[:2])
	}
	total := int(binary.BigEndian.Uint16(msg[4:6]))
	if total != len(msg) {
		return 0, nil, fmt.Errorf("%w: length field %d, got %d bytes", ErrInvalidMessage, total, len(msg))
	}
	return ServiceType(binary.BigEndian.Uint16(msg[2:4])), msg[headerLength:], nil
}

func connectRequest() []byte {
	body := make([]byte, 0, 2*hpaiLength+criLength)
	body = append(body, tcpHPAI...)
	body = append(body, tcpHPAI...)
	body = append(body, criLength, connTypeTunnel, tunnelLinkLayer, 0x00)
	return EncodeMessage(ServiceConnectRequest, body)
}

// connectResponse is the parsed CONNECT_RESPONSE.
type connectResponse struct {
	Channel uint8
	Status  uint8
	Address telegram.IndividualAddress
}

func parseConnectResponse(body []byte) (connectResponse, error) {
	if len(body) < 2 {
		return connectResponse{}, fmt.Errorf("%w: connect response too short", ErrInvalidMessage)
	}
	resp := connectResponse{Channel: body[0], Status: body[1]}
	if resp.Status != statusNoError {
		return resp, nil
	}
	if len(body) < connectResponseSize {
		return connectResponse{}, fmt.Errorf("%w: connect response without CRD", ErrInvalidMessage)
	}
	crd := body[2+hpaiLength:]
	if crd[0] != criLength || crd[1] != connTypeTunnel {
		return connectResponse{}, fmt.Errorf("%w: unexpected CRD % X", ErrInvalidMessage, crd[:2])
	}
	resp.Address = telegram.IndividualAddressFromUint16(binary.BigEndian.Uint16(crd[2:4]))
	return resp, nil
}

func connectionStateRequest(channel uint8) []byte {
	body := append([]byte{channel, 0x00}, tcpHPAI...)
	return EncodeMessage(ServiceConnectionStateRequest, body)
}

func disconnectRequest(channel uint8) []byte {
	body := append([]byte{channel, 0x00}, tcpHPAI...)
	return EncodeMessage(ServiceDisconnectRequest, body)
}

func disconnectResponse(channel uint8) []byte {
	return EncodeMessage(ServiceDisconnectResponse, []byte{channel, statusNoError})
}

func tunnellingRequest(channel, seq uint8, frame []byte) []byte {
	body := make([]byte, 0, connHeaderLength+len(frame))
	body = append(body, connHeaderLength, channel, seq, 0x00)
	body = append(body, frame...)
	return EncodeMessage(ServiceTunnellingRequest, body)
}

// parseTunnellingRequest returns the channel and cEMI frame.
func parseTunnellingRequest(body []byte) (uint8, []byte, error) {
	if len(body) < connHeaderLength || body[0] != connHeaderLength {
		return 0, nil, fmt.Errorf("%w: tunnelling connection header", ErrInvalidMessage)
	}
	return body[1], body[connHeaderLength:], nil
}
