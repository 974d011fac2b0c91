package framework

import "time"

// SubscriberConfig Subscriber 配置
type SubscriberConfig struct {
	QueueName       string        // 队列名称
	ReconnectBase   time.Duration // 重连初始退避
	ReconnectMax    time.Duration // 重连退避上限
	ReconnectJitter float64       // 退避随机因子
}

// ProcessorConfig Processor 配置
type ProcessorConfig struct {
	Concurrency  int           // 并发处理数
	BufferSize   int           // inputChan 缓冲区大小
	Timeout      time.Duration // 单个消息处理超时
	StoreTimeout time.Duration // 落库 + ack/nack 超时（不受退出信号影响）
}
