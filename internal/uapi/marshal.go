package uapi

import (
	"encoding/binary"
)

// Marshal converts a struct to bytes using the wire byte order.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *BinderWriteRead:
		return marshalWriteRead(val)
	case *BinderVersion:
		return marshalVersion(val)
	case *BinderPtrCookie:
		return marshalPtrCookie(val)
	case *BinderHandleCookie:
		return marshalHandleCookie(val)
	case *FlatBinderObject:
		return marshalFlatBinderObject(val)
	case *BinderFDArrayObject:
		return marshalFDArrayObject(val)
	case *BinderBufferObject:
		return marshalBufferObject(val)
	default:
		return nil
	}
}

// Unmarshal converts bytes back to a struct.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *BinderWriteRead:
		return unmarshalWriteRead(data, val)
	case *BinderVersion:
		return unmarshalVersion(data, val)
	case *BinderPtrCookie:
		return unmarshalPtrCookie(data, val)
	case *BinderHandleCookie:
		return unmarshalHandleCookie(data, val)
	case *FlatBinderObject:
		return unmarshalFlatBinderObject(data, val)
	case *BinderFDArrayObject:
		return unmarshalFDArrayObject(data, val)
	case *BinderBufferObject:
		return unmarshalBufferObject(data, val)
	default:
		return ErrInvalidType
	}
}

func leUint32(data []byte) uint32 {
	return binary.LittleEndian.Uint32(data[0:4])
}

const sizeBinderWriteRead = 48

func marshalWriteRead(v *BinderWriteRead) []byte {
	buf := make([]byte, sizeBinderWriteRead)
	binary.LittleEndian.PutUint64(buf[0:8], v.WriteSize)
	binary.LittleEndian.PutUint64(buf[8:16], v.WriteConsumed)
	binary.LittleEndian.PutUint64(buf[16:24], v.WriteBuffer)
	binary.LittleEndian.PutUint64(buf[24:32], v.ReadSize)
	binary.LittleEndian.PutUint64(buf[32:40], v.ReadConsumed)
	binary.LittleEndian.PutUint64(buf[40:48], v.ReadBuffer)
	return buf
}

func unmarshalWriteRead(data []byte, v *BinderWriteRead) error {
	if len(data) < sizeBinderWriteRead {
		return ErrInsufficientData
	}
	v.WriteSize = binary.LittleEndian.Uint64(data[0:8])
	v.WriteConsumed = binary.LittleEndian.Uint64(data[8:16])
	v.WriteBuffer = binary.LittleEndian.Uint64(data[16:24])
	v.ReadSize = binary.LittleEndian.Uint64(data[24:32])
	v.ReadConsumed = binary.LittleEndian.Uint64(data[32:40])
	v.ReadBuffer = binary.LittleEndian.Uint64(data[40:48])
	return nil
}

func marshalVersion(v *BinderVersion) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(v.ProtocolVersion))
	return buf
}

func unmarshalVersion(data []byte, v *BinderVersion) error {
	if len(data) < 4 {
		return ErrInsufficientData
	}
	v.ProtocolVersion = int32(binary.LittleEndian.Uint32(data[0:4]))
	return nil
}

const sizePtrCookie = 16

func marshalPtrCookie(v *BinderPtrCookie) []byte {
	buf := make([]byte, sizePtrCookie)
	binary.LittleEndian.PutUint64(buf[0:8], v.Ptr)
	binary.LittleEndian.PutUint64(buf[8:16], v.Cookie)
	return buf
}

func unmarshalPtrCookie(data []byte, v *BinderPtrCookie) error {
	if len(data) < sizePtrCookie {
		return ErrInsufficientData
	}
	v.Ptr = binary.LittleEndian.Uint64(data[0:8])
	v.Cookie = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

const sizeHandleCookie = 16

func marshalHandleCookie(v *BinderHandleCookie) []byte {
	buf := make([]byte, sizeHandleCookie)
	binary.LittleEndian.PutUint32(buf[0:4], v.Handle)
	binary.LittleEndian.PutUint64(buf[8:16], v.Cookie)
	return buf
}

func unmarshalHandleCookie(data []byte, v *BinderHandleCookie) error {
	if len(data) < sizeHandleCookie {
		return ErrInsufficientData
	}
	v.Handle = binary.LittleEndian.Uint32(data[0:4])
	v.Cookie = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

const sizeFlatBinderObject = 24

func marshalFlatBinderObject(v *FlatBinderObject) []byte {
	buf := make([]byte, sizeFlatBinderObject)
	binary.LittleEndian.PutUint32(buf[0:4], v.Type)
	binary.LittleEndian.PutUint32(buf[4:8], v.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], v.Handle)
	binary.LittleEndian.PutUint64(buf[16:24], v.Cookie)
	return buf
}

func unmarshalFlatBinderObject(data []byte, v *FlatBinderObject) error {
	if len(data) < sizeFlatBinderObject {
		return ErrInsufficientData
	}
	v.Type = binary.LittleEndian.Uint32(data[0:4])
	v.Flags = binary.LittleEndian.Uint32(data[4:8])
	v.Handle = binary.LittleEndian.Uint64(data[8:16])
	v.Cookie = binary.LittleEndian.Uint64(data[16:24])
	return nil
}

const sizeFDArrayObject = 32

func marshalFDArrayObject(v *BinderFDArrayObject) []byte {
	buf := make([]byte, sizeFDArrayObject)
	binary.LittleEndian.PutUint32(buf[0:4], v.Type)
	binary.LittleEndian.PutUint64(buf[8:16], v.NumFDs)
	binary.LittleEndian.PutUint64(buf[16:24], v.ParentOffset)
	binary.LittleEndian.PutUint64(buf[24:32], v.Parent)
	return buf
}

func unmarshalFDArrayObject(data []byte, v *BinderFDArrayObject) error {
	if len(data) < sizeFDArrayObject {
		return ErrInsufficientData
	}
	v.Type = binary.LittleEndian.Uint32(data[0:4])
	v.NumFDs = binary.LittleEndian.Uint64(data[8:16])
	v.ParentOffset = binary.LittleEndian.Uint64(data[16:24])
	v.Parent = binary.LittleEndian.Uint64(data[24:32])
	return nil
}

const sizeBufferObject = 48

func marshalBufferObject(v *BinderBufferObject) []byte {
	buf := make([]byte, sizeBufferObject)
	binary.LittleEndian.PutUint32(buf[0:4], v.Type)
	binary.LittleEndian.PutUint64(buf[8:16], v.Buffer)
	binary.LittleEndian.PutUint64(buf[16:24], v.Length)
	binary.LittleEndian.PutUint64(buf[24:32], v.ParentOffset)
	binary.LittleEndian.PutUint64(buf[32:40], v.Parent)
	if v.HasParent {
		buf[40] = 1
	}
	return buf
}

func unmarshalBufferObject(data []byte, v *BinderBufferObject) error {
	if len(data) < sizeBufferObject {
		return ErrInsufficientData
	}
	v.Type = binary.LittleEndian.Uint32(data[0:4])
	v.Buffer = binary.LittleEndian.Uint64(data[8:16])
	v.Length = binary.LittleEndian.Uint64(data[16:24])
	v.ParentOffset = binary.LittleEndian.Uint64(data[24:32])
	v.Parent = binary.LittleEndian.Uint64(data[32:40])
	v.HasParent = data[40] != 0
	return nil
}

// MarshalTransactionData flattens a BinderTransactionData's fixed header into
// bytes; Buffer and Offsets are carried separately in the work-queue item and
// are not part of this fixed-layout header.
func MarshalTransactionData(t *BinderTransactionData) []byte {
	buf := make([]byte, 52)
	binary.LittleEndian.PutUint32(buf[0:4], t.TargetHandle)
	binary.LittleEndian.PutUint64(buf[4:12], t.TargetPtr)
	binary.LittleEndian.PutUint64(buf[12:20], t.TargetCookie)
	binary.LittleEndian.PutUint32(buf[20:24], t.Code)
	binary.LittleEndian.PutUint32(buf[24:28], t.Flags)
	binary.LittleEndian.PutUint32(buf[28:32], t.SenderPID)
	binary.LittleEndian.PutUint32(buf[32:36], t.SenderEUID)
	binary.LittleEndian.PutUint64(buf[36:44], t.DataSize)
	binary.LittleEndian.PutUint64(buf[44:52], t.OffsetsSize)
	return buf
}

// MarshalError describes a failure to marshal or unmarshal a wire value.
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidType      MarshalError = "invalid type for marshaling"
)
