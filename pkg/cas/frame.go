package cas

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/clbanning/mxj"

	"github.com/ezviz-cas/cas-bridge/pkg/crypto"
)

// CAS frame layout (observed wire format, not self-describing):
//
//	key request   : header(32) | XML request | hex padding(64)
//	key response  : header(32) | XML response | trailer(32)
//	command frame : header(32) | Verify XML | sub-header(32) | AES-CBC body | hex padding(64)
//
// The header byte sequences are reproduced verbatim. The count fields inside
// them are constants of the protocol and are not recomputed from the body.

const (
	HeaderSize             = 32
	PaddingSize            = 64
	KeyResponseTrailerSize = 32
	MaxKeyResponseSize     = 1024
	MaxCommandResponseSize = 1024

	// CommandBodySize is the encrypted body length announced in the
	// command sub-header.
	CommandBodySize = 0xb0
)

var keyRequestHeader = [HeaderSize]byte{
	0x9e, 0xba, 0xac, 0xe9, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x09, 0x00, 0x00, 0x00, 0x00,
}

var commandHeader = [HeaderSize]byte{
	0x9e, 0xba, 0xac, 0xe9, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x14,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x20, 0x05,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0xd0, 0x00, 0x00, 0x01, 0xe0,
}

var commandSubHeader = [HeaderSize]byte{
	0x9e, 0xba, 0xac, 0xe9, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x13,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x30, 0x0f, 0xff, 0xff, 0xff, 0xff,
	0x00, 0x00, 0x00, 0xb0, 0x00, 0x00, 0x00, 0x00,
}

const keyRequestTemplate = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<Request>\n\t" +
	"<ClientID>%s</ClientID>\n\t" +
	"<Sign>%s</Sign>\n\t" +
	"<DevSerial>%s</DevSerial>\n\t" +
	"<ClientType>0</ClientType>\n</Request>\n"

const verifyTemplate = "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<Request>\n\t" +
	"<Verify ClientSession=\"%s\" ToDevice=\"%s\" ClientType=\"0\" />\n\t" +
	"<Message Length=\"240\" />\n</Request>\n"

// KeyRequestHeader returns a copy of the literal key request header
func KeyRequestHeader() []byte {
	return append([]byte(nil), keyRequestHeader[:]...)
}

// CommandHeader returns a copy of the literal command header
func CommandHeader() []byte {
	return append([]byte(nil), commandHeader[:]...)
}

// CommandSubHeader returns a copy of the literal header preceding the
// encrypted body
func CommandSubHeader() []byte {
	return append([]byte(nil), commandSubHeader[:]...)
}

// EncodeLatin1 encodes s one byte per rune. Runes above 0xFF are rejected.
func EncodeLatin1(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i, r := range s {
		if r > 0xFF {
			return nil, fmt.Errorf("%w: rune %q at offset %d is not single-byte", ErrInvalidField, r, i)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

func requireField(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidField, name)
	}
	return nil
}

// randomPadding returns the 64 hex characters appended to every request
func randomPadding() ([]byte, error) {
	s, err := crypto.GenerateRandomHex(PaddingSize)
	if err != nil {
		return nil, fmt.Errorf("generate padding: %w", err)
	}
	return []byte(s), nil
}

// EncodeKeyRequest builds the frame asking the CAS server for the
// encryption key of deviceSerial.
func EncodeKeyRequest(clientSessionID, deviceSerial, featureCode string) ([]byte, error) {
	if err := requireField("client session id", clientSessionID); err != nil {
		return nil, err
	}
	if err := requireField("device serial", deviceSerial); err != nil {
		return nil, err
	}
	if err := requireField("feature code", featureCode); err != nil {
		return nil, err
	}

	body, err := EncodeLatin1(fmt.Sprintf(keyRequestTemplate, clientSessionID, featureCode, deviceSerial))
	if err != nil {
		return nil, err
	}

	padding, err := randomPadding()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, HeaderSize+len(body)+PaddingSize)
	frame = append(frame, keyRequestHeader[:]...)
	frame = append(frame, body...)
	frame = append(frame, padding...)
	return frame, nil
}

// DecodeKeyResponse strips the fixed header and trailer and parses the
// remaining XML. Attributes are addressed with a "-" prefix, e.g.
// "Response.Session.-Key".
func DecodeKeyResponse(raw []byte) (mxj.Map, error) {
	if len(raw) < HeaderSize+KeyResponseTrailerSize {
		return nil, fmt.Errorf("%w: response too short: %d bytes", ErrProtocolDecode, len(raw))
	}

	body := raw[HeaderSize : len(raw)-KeyResponseTrailerSize]
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrProtocolDecode)
	}

	m, err := mxj.NewMapXml(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return m, nil
}

// KeyMaterialFromResponse extracts Session/@Key and Session/@OperationCode
func KeyMaterialFromResponse(m mxj.Map) (KeyMaterial, error) {
	key, err := stringForPath(m, "Response.Session.-Key")
	if err != nil {
		return KeyMaterial{}, err
	}
	opCode, err := stringForPath(m, "Response.Session.-OperationCode")
	if err != nil {
		return KeyMaterial{}, err
	}

	keyBytes, err := EncodeLatin1(key)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("%w: session key: %v", ErrProtocolDecode, err)
	}

	return KeyMaterial{Key: keyBytes, OperationCode: opCode}, nil
}

func stringForPath(m mxj.Map, path string) (string, error) {
	v, err := m.ValueForPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s missing: %v", ErrProtocolDecode, path, err)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s missing", ErrProtocolDecode, path)
	}
	return s, nil
}

// ParseKeyResponse decodes a raw key response into key material
func ParseKeyResponse(raw []byte) (KeyMaterial, error) {
	m, err := DecodeKeyResponse(raw)
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterialFromResponse(m)
}

// EncodeCommandFrame wraps an encrypted command body for sending to the
// device proxy.
func EncodeCommandFrame(clientSessionID, deviceSerial string, encryptedBody []byte) ([]byte, error) {
	if err := requireField("client session id", clientSessionID); err != nil {
		return nil, err
	}
	if err := requireField("device serial", deviceSerial); err != nil {
		return nil, err
	}
	if len(encryptedBody) == 0 {
		return nil, fmt.Errorf("%w: empty command body", ErrInvalidField)
	}

	verify, err := EncodeLatin1(fmt.Sprintf(verifyTemplate, clientSessionID, deviceSerial))
	if err != nil {
		return nil, err
	}

	padding, err := randomPadding()
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 0, 2*HeaderSize+len(verify)+len(encryptedBody)+PaddingSize)
	frame = append(frame, commandHeader[:]...)
	frame = append(frame, verify...)
	frame = append(frame, commandSubHeader[:]...)
	frame = append(frame, encryptedBody...)
	frame = append(frame, padding...)
	return frame, nil
}

// SplitCommandFrame returns the encrypted body of a frame built by
// EncodeCommandFrame. Used for diagnostics and tests.
func SplitCommandFrame(frame []byte) ([]byte, error) {
	if len(frame) < 2*HeaderSize+PaddingSize || !bytes.HasPrefix(frame, commandHeader[:]) {
		return nil, fmt.Errorf("%w: not a command frame", ErrProtocolDecode)
	}
	idx := bytes.Index(frame[HeaderSize:], commandSubHeader[:])
	if idx < 0 {
		return nil, fmt.Errorf("%w: command sub-header not found", ErrProtocolDecode)
	}
	start := HeaderSize + idx + HeaderSize
	end := len(frame) - PaddingSize
	if start > end {
		return nil, fmt.Errorf("%w: truncated command frame", ErrProtocolDecode)
	}
	return frame[start:end], nil
}

// keyResponseComplete reports whether buf holds the whole XML document plus
// the fixed trailer.
func keyResponseComplete(buf []byte) bool {
	idx := bytes.LastIndex(buf, []byte("</Response>"))
	if idx < 0 {
		return false
	}
	return len(buf)-(idx+len("</Response>")) >= KeyResponseTrailerSize
}
