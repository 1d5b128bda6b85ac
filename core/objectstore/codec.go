package objectstore

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

var (
	ErrSerialization   = errors.New("error during object serialization")
	ErrDeserialization = errors.New("error during object deserialization")
)

var marshalOptions = proto.MarshalOptions{Deterministic: true}

// Encode serializes an object together with its type URL so that Decode can
// rebuild a value of the same concrete type. Equal objects encode to equal
// bytes.
func Encode(obj proto.Message) ([]byte, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: nil object", ErrSerialization)
	}
	value, err := marshalOptions.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	wrapped := &anypb.Any{
		TypeUrl: "type.googleapis.com/" + string(obj.ProtoReflect().Descriptor().FullName()),
		Value:   value,
	}
	data, err := marshalOptions.Marshal(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode returns a fresh object built from data produced by Encode. The
// object's message type must be linked into the binary.
func Decode(data []byte) (proto.Message, error) {
	wrapped := &anypb.Any{}
	if err := proto.Unmarshal(data, wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	obj, err := wrapped.UnmarshalNew()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserialization, err)
	}
	return obj, nil
}
