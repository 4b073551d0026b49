// Package protocol 定义位置同步的线上格式：固定 9 字节的位置记录，
// 以及带单字节类型前缀的消息分帧（位置、编号分配、离开）。
package protocol
