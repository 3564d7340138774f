package models

import "errors"

var (
	// ErrInvalidTransition 交易状态机被以错误的顺序驱动，属于程序逻辑错误
	ErrInvalidTransition = errors.New("非法的交易状态转换")

	ErrSlotOccupied     = errors.New("网格位置已被占用")
	ErrSellOnlySlot     = errors.New("只卖网格位置不接受新的买单")
	ErrSlotNotRemovable = errors.New("只能移除空的只卖网格位置")
	ErrSlotEmpty        = errors.New("网格位置没有交易")

	// ErrInvalidSettings 配置错误, 对应交易对在修正前不会创建或更新机器人
	ErrInvalidSettings  = errors.New("无效的机器人设置")
	ErrSettingsNotFound = errors.New("未找到交易对设置")
)
