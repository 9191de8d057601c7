package protocol

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// remoteValue wraps an inspector RemoteObject.
type remoteValue struct {
	obj *proto.RuntimeRemoteObject
}

func newRemoteValue(obj *proto.RuntimeRemoteObject) Value {
	if obj == nil {
		return remoteValue{obj: &proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined}}
	}
	return remoteValue{obj: obj}
}

func (v remoteValue) Kind() Kind {
	switch v.obj.Type {
	case proto.RuntimeRemoteObjectTypeObject:
		if v.obj.Subtype == proto.RuntimeRemoteObjectSubtypeNull {
			return KindNull
		}
		return KindObject
	case proto.RuntimeRemoteObjectTypeFunction:
		return KindFunction
	case proto.RuntimeRemoteObjectTypeString:
		return KindString
	case proto.RuntimeRemoteObjectTypeNumber:
		return KindNumber
	case proto.RuntimeRemoteObjectTypeBoolean:
		return KindBoolean
	case proto.RuntimeRemoteObjectTypeSymbol:
		return KindSymbol
	case proto.RuntimeRemoteObjectTypeBigint:
		return KindBigInt
	}
	return KindUndefined
}

func (v remoteValue) ID() string {
	return string(v.obj.ObjectID)
}

func (v remoteValue) Primitive() string {
	switch v.Kind() {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindString:
		return v.obj.Value.Str()
	case KindBoolean:
		if v.obj.Value.Bool() {
			return "true"
		}
		return "false"
	case KindNumber:
		if v.obj.UnserializableValue != "" {
			return string(v.obj.UnserializableValue)
		}
		if v.obj.Description != "" {
			return v.obj.Description
		}
		return v.obj.Value.JSON("", "")
	case KindBigInt:
		if v.obj.UnserializableValue != "" {
			return string(v.obj.UnserializableValue)
		}
	}
	return v.obj.Description
}

func (v remoteValue) ClassName() string {
	if v.obj.ClassName != "" {
		return v.obj.ClassName
	}
	if v.Kind() == KindFunction {
		return "Function"
	}
	return "Object"
}

func (v remoteValue) Description() string {
	d := v.obj.Description
	if v.Kind() == KindFunction {
		// Function descriptions carry the whole source text.
		if i := strings.IndexByte(d, '\n'); i >= 0 {
			d = d[:i]
		}
	}
	return d
}
