// Copyright (c) AgentRun Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentRun 服务端程序入口。

# 概述

cmd/agentrun 是 AgentRun 运行时的可执行入口，提供任务调度服务、
数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及日志级别热重载。

# 核心类型

  - Server          — 主服务器，组装沙箱执行器、调度注册表与仓储，
    管理健康检查、Metrics 双端口及优雅关闭
  - Middleware      — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter  — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 运维端点：/healthz（存活 + 运行时概况）、/readyz（数据库可达性）、
    /version；无公开 API 面，中间件链只保留 Recovery、RequestID、
    RequestLogger
  - 仓储后端：memory / database（postgres、mysql、sqlite），
    状态可单独落 Redis
  - 启动恢复：database 后端下重新挂起进程退出前 active 的任务
  - 配置热重载：HotReloadManager 监听文件变更，日志级别即时生效
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 排空调度 →
    刷写入池 → 关仓储 → 关数据库 → 关 Metrics → 刷遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
