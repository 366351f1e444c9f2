package rbac

import "agencyops/pkg/apperr"

// 权限常量
const (
	// 计费操作
	PermissionTriggerMilestone = "milestone:trigger"
	PermissionInvoiceMilestone = "milestone:invoice"
	PermissionViewUnbilled     = "billing:unbilled"

	// 报表与维护
	PermissionViewRetainers   = "report:retainers"
	PermissionViewMaintenance = "maintenance:read"
)

// 角色常量
const (
	RoleAdmin = "admin"
	RolePM    = "pm"
	RoleTech  = "tech"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleAdmin: {
		PermissionTriggerMilestone,
		PermissionInvoiceMilestone,
		PermissionViewUnbilled,
		PermissionViewRetainers,
		PermissionViewMaintenance,
	},
	RolePM: {
		PermissionTriggerMilestone,
		PermissionInvoiceMilestone,
		PermissionViewUnbilled,
		PermissionViewRetainers,
		PermissionViewMaintenance,
	},
	RoleTech: {
		PermissionViewRetainers,
		PermissionViewMaintenance,
	},
}

// forbiddenMessages 针对特定权限的拒绝提示
var forbiddenMessages = map[string]string{
	PermissionTriggerMilestone: "Only PM and Admin can trigger milestone billing",
	PermissionInvoiceMilestone: "Only PM and Admin can mark milestone as invoiced",
}

// ValidRole 判断角色是否为已知角色
func ValidRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限，无权限时返回 Forbidden 错误
func CheckPermission(role, permission string) error {
	if HasPermission(role, permission) {
		return nil
	}
	msg, ok := forbiddenMessages[permission]
	if !ok {
		msg = "Insufficient permissions"
	}
	return apperr.Forbidden(msg)
}
