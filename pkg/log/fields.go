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

// FieldUser 返回一个包含用户标识的 zap 字段。
func FieldUser(userID string) zap.Field {
	return zap.String("user_id", userID)
}

// FieldGroup 返回一个包含群组标识的 zap 字段。
func FieldGroup(groupID string) zap.Field {
	return zap.String("group_id", groupID)
}
