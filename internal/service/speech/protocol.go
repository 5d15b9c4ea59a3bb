package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Volcengine 语音 WebSocket 二进制帧：4 字节头 + 可选序号/事件 + payload 长度 + payload。
const ProtocolVersion = 0b0001

// MessageType 帧类型
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorMessage            MessageType = 0b1111
)

// MessageFlags 帧标志，低两位描述序号，第三位表示携带事件
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
	WithEvent              MessageFlags = 0b0100

	sequenceMask MessageFlags = 0b0011
)

// EventType 服务端事件
type EventType int32

const (
	EventTypeNone               EventType = 0
	EventTypeStartConnection    EventType = 1
	EventTypeFinishConnection   EventType = 2
	EventTypeConnectionStarted  EventType = 50
	EventTypeConnectionFailed   EventType = 51
	EventTypeConnectionFinished EventType = 52
	EventTypeSessionStarted     EventType = 150
	EventTypeSessionFinished    EventType = 152
	EventTypeSessionFailed      EventType = 153
)

// SerializationMethod payload 序列化方式
type SerializationMethod uint8

const (
	NoSerialization     SerializationMethod = 0b0000
	JSONSerialization   SerializationMethod = 0b0001
	CustomSerialization SerializationMethod = 0b1111
)

// CompressionMethod payload 压缩方式
type CompressionMethod uint8

const (
	NoCompression     CompressionMethod = 0b0000
	GzipCompression   CompressionMethod = 0b0001
	CustomCompression CompressionMethod = 0b1111
)

// Header 帧头
type Header struct {
	ProtocolVersion     uint8
	HeaderSize          uint8 // 以 4 字节为单位
	MessageType         MessageType
	MessageFlags        MessageFlags
	SerializationMethod SerializationMethod
	CompressionMethod   CompressionMethod
	Reserved            uint8
}

// Message 一个完整的帧
type Message struct {
	Header      Header
	Sequence    int32
	EventType   EventType
	SessionID   string
	ConnectID   string
	ErrorCode   uint32
	PayloadSize uint32
	Payload     []byte
}

// ServerError 服务端通过 ErrorMessage 帧或响应 code 返回的错误
type ServerError struct {
	Code    uint32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("speech server error %d: %s", e.Code, e.Message)
}

// NewHeader 创建 4 字节帧头
func NewHeader(msgType MessageType, flags MessageFlags, serialization SerializationMethod, compression CompressionMethod) Header {
	return Header{
		ProtocolVersion:     ProtocolVersion,
		HeaderSize:          1,
		MessageType:         msgType,
		MessageFlags:        flags,
		SerializationMethod: serialization,
		CompressionMethod:   compression,
	}
}

// Encode 编码帧头
func (h *Header) Encode() []byte {
	return []byte{
		h.ProtocolVersion<<4 | h.HeaderSize,
		uint8(h.MessageType)<<4 | uint8(h.MessageFlags),
		uint8(h.SerializationMethod)<<4 | uint8(h.CompressionMethod),
		h.Reserved,
	}
}

// DecodeHeader 解码帧头
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("header too short: %d bytes", len(data))
	}
	h := &Header{
		ProtocolVersion:     data[0] >> 4,
		HeaderSize:          data[0] & 0x0F,
		MessageType:         MessageType(data[1] >> 4),
		MessageFlags:        MessageFlags(data[1] & 0x0F),
		SerializationMethod: SerializationMethod(data[2] >> 4),
		CompressionMethod:   CompressionMethod(data[2] & 0x0F),
		Reserved:            data[3],
	}
	if h.ProtocolVersion != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", h.ProtocolVersion)
	}
	return h, nil
}

func (m *Message) hasSequence() bool {
	flags := m.Header.MessageFlags & sequenceMask
	return flags == PositiveSequenceNumber || flags == NegativeSequenceNumber
}

func (m *Message) hasEvent() bool {
	return m.Header.MessageFlags&WithEvent == WithEvent
}

// EncodeMessage 编码完整帧
func EncodeMessage(msg *Message) ([]byte, error) {
	if uint32(len(msg.Payload)) != msg.PayloadSize {
		return nil, fmt.Errorf("payload size %d does not match payload length %d", msg.PayloadSize, len(msg.Payload))
	}

	buf := make([]byte, 0, 16+len(msg.Payload))
	buf = append(buf, msg.Header.Encode()...)
	if msg.hasSequence() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.Sequence))
	}
	if msg.hasEvent() {
		buf = binary.BigEndian.AppendUint32(buf, uint32(msg.EventType))
		if !eventSkipsSessionID(msg.EventType) {
			buf = appendSized(buf, msg.SessionID)
		}
		if eventHasConnectID(msg.EventType) {
			buf = appendSized(buf, msg.ConnectID)
		}
	}
	if msg.Header.MessageType == ErrorMessage {
		buf = binary.BigEndian.AppendUint32(buf, msg.ErrorCode)
	}
	buf = binary.BigEndian.AppendUint32(buf, msg.PayloadSize)
	return append(buf, msg.Payload...), nil
}

func appendSized(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// DecodeMessage 解码完整帧
func DecodeMessage(r io.Reader) (*Message, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := DecodeHeader(raw)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: *header}

	if extra := int(header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	if msg.hasSequence() {
		seq, err := readUint32(r, "sequence")
		if err != nil {
			return nil, err
		}
		msg.Sequence = int32(seq)
	}

	if msg.hasEvent() {
		event, err := readUint32(r, "event type")
		if err != nil {
			return nil, err
		}
		msg.EventType = EventType(int32(event))
		if !eventSkipsSessionID(msg.EventType) {
			if msg.SessionID, err = readSized(r, "session id"); err != nil {
				return nil, err
			}
		}
		if eventHasConnectID(msg.EventType) {
			if msg.ConnectID, err = readSized(r, "connect id"); err != nil {
				return nil, err
			}
		}
	}

	if header.MessageType == ErrorMessage {
		if msg.ErrorCode, err = readUint32(r, "error code"); err != nil {
			return nil, err
		}
	}
	if msg.PayloadSize, err = readUint32(r, "payload size"); err != nil {
		return nil, err
	}
	if msg.PayloadSize > 0 {
		msg.Payload = make([]byte, msg.PayloadSize)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("read payload (%d bytes): %w", msg.PayloadSize, err)
		}
	}
	return msg, nil
}

func readUint32(r io.Reader, what string) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read %s: %w", what, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readSized(r io.Reader, what string) (string, error) {
	size, err := readUint32(r, what+" size")
	if err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("read %s: %w", what, err)
	}
	return string(b), nil
}

// CreateFullClientRequest 创建携带 JSON 参数的请求帧
func CreateFullClientRequest(payload []byte, compression CompressionMethod) *Message {
	return &Message{
		Header:      NewHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, compression),
		PayloadSize: uint32(len(payload)),
		Payload:     payload,
	}
}

// CreateAudioOnlyRequest 创建音频帧。最后一包使用负序号（无序号时使用 LastPacketNoSequence）。
func CreateAudioOnlyRequest(audio []byte, sequence int32, isLast bool, compression CompressionMethod) *Message {
	flags := NoSequenceNumber
	switch {
	case isLast && sequence != 0:
		flags = NegativeSequenceNumber
		sequence = -sequence
	case isLast:
		flags = LastPacketNoSequence
	case sequence > 0:
		flags = PositiveSequenceNumber
	}
	return &Message{
		Header:      NewHeader(AudioOnlyRequest, flags, NoSerialization, compression),
		Sequence:    sequence,
		PayloadSize: uint32(len(audio)),
		Payload:     audio,
	}
}

func eventSkipsSessionID(event EventType) bool {
	switch event {
	case EventTypeStartConnection, EventTypeFinishConnection,
		EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	default:
		return false
	}
}

func eventHasConnectID(event EventType) bool {
	switch event {
	case EventTypeConnectionStarted, EventTypeConnectionFailed, EventTypeConnectionFinished:
		return true
	default:
		return false
	}
}

// IsLastPacket 是否为最后一包
func (m *Message) IsLastPacket() bool {
	flags := m.Header.MessageFlags & sequenceMask
	return flags == LastPacketNoSequence || flags == NegativeSequenceNumber
}

// IsErrorMessage 是否为错误帧
func (m *Message) IsErrorMessage() bool {
	return m.Header.MessageType == ErrorMessage
}

// DecodedPayload 返回解压后的 payload
func (m *Message) DecodedPayload() ([]byte, error) {
	return DecompressPayload(m.Payload, m.Header.CompressionMethod)
}

// Err 将错误帧转换为 *ServerError，非错误帧返回 nil
func (m *Message) Err() error {
	if !m.IsErrorMessage() {
		return nil
	}
	payload, err := m.DecodedPayload()
	if err != nil {
		payload = m.Payload
	}
	return &ServerError{Code: m.ErrorCode, Message: string(payload)}
}

// CompressPayload 压缩 payload
func CompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported compression method %d", method)
	}
}

// DecompressPayload 解压 payload
func DecompressPayload(data []byte, method CompressionMethod) ([]byte, error) {
	switch method {
	case NoCompression:
		return data, nil
	case GzipCompression:
		if len(data) == 0 {
			return nil, nil
		}
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip read: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression method %d", method)
	}
}

// IsServerError reports whether err came from the speech server itself.
func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
