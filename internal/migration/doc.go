// 版权所有 2025 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 提供运行时库表的 Schema 迁移管理，支持 PostgreSQL、
MySQL 与 SQLite 三种数据库，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各数据库方言的 SQL 迁移文件，管理
agent_tasks（任务定义）、agent_state（任务状态）、agent_logs
（执行日志）与 agent_executions（执行历史）四张表的版本化变更。
SQL 中的表结构与索引名与 store 包的 GORM 模型保持一致，迁移产生
的 Schema 与 AutoMigrate 产生的 Schema 收敛到同一形态。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例
    与数据库连接管理。SQLite 路径使用纯 Go 的 modernc.org/sqlite
    驱动，无需 cgo。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名与锁超时。
  - DatabaseType：数据库类型枚举（postgres/mysql/sqlite）。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：命令行交互层，migrate 子命令通过它输出格式化结果。

# 主要能力

  - 多数据库支持：通过 DatabaseType 与内嵌 SQL 文件自动适配方言。
  - 工厂函数：NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL 支持从不同配置源快速创建迁移器。
  - CLI 集成：RunUp/RunDown/RunStatus/RunVersion 等面向终端的操作。
  - 辅助工具：ParseDatabaseType 解析类型字符串，BuildDatabaseURL
    按方言拼接连接 URL。
*/
package migration
