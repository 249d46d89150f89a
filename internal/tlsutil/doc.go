// Package tlsutil 提供集中式 TLS 配置，
// 为沙箱 fetch 能力和行情客户端的出站 HTTP 连接提供安全加固的 TLS 设置
// （TLS 1.2+，仅 AEAD 密码套件，显式协商 HTTP/2）。
package tlsutil
