// Package config 提供 AgentRun 的配置管理功能。
//
// 包含配置加载、校验、热重载与变更历史管理。
// 配置按 默认值 → YAML 文件 → 环境变量 的优先级合并，
// 文件变更可触发在线重载，失败时自动回滚。
package config
