package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldUser 返回一个包含用户名的 zap 字段。
func FieldUser(username string) zap.Field {
	return zap.String("username", username)
}

// FieldRemoteAddr 返回一个包含对端地址的 zap 字段。
func FieldRemoteAddr(addr string) zap.Field {
	return zap.String("remoteAddr", addr)
}

// FieldMessageType 返回一个包含消息类型的 zap 字段。
func FieldMessageType(typ string) zap.Field {
	return zap.String("messageType", typ)
}
