// 版权所有 2025 AgentRun Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的运行时指标采集能力，覆盖
执行、扫描、信箱、异步落库、恢复与数据库六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。
nil *Collector 是合法值，所有记录方法安静跳过，组件可以把指标
作为可选依赖注入。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - 执行指标：执行总数、执行耗时、在途执行 Gauge，
    按 trigger/status 分组，status 归类为 success/error/rejected/timeout。
  - 扫描指标：扫描总数（full/quick × passed/failed）、
    检出威胁数按 severity 分组。
  - 信箱指标：队列满时被挤出的消息计数。
  - 异步落库指标：失败的 fire-and-forget 写入按 kind
    （log/state/history/task）分组、工作池饱和丢弃计数。
  - 通知指标：投递失败计数。
  - 恢复指标：启动恢复按 result（restored/healed/failed）分组。
  - 数据库指标：活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
