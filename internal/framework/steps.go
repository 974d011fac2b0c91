package framework

import (
	"context"
	"fmt"
)

// Steps 顺序执行的处理步骤链
type Steps struct {
	names []string
	funcs []StepFunc
}

// NewSteps 创建步骤链
func NewSteps() *Steps {
	return &Steps{}
}

// Add 追加步骤
func (s *Steps) Add(name string, fn StepFunc) *Steps {
	s.names = append(s.names, name)
	s.funcs = append(s.funcs, fn)
	return s
}

// Run 执行步骤链
// 任一步骤返回 error 或 ctx 结束则立即停止，错误链保持不变以便分类
func (s *Steps) Run(ctx context.Context) error {
	for i, fn := range s.funcs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("step[%s] not started: %w", s.names[i], err)
		}
		if err := fn(ctx); err != nil {
			return fmt.Errorf("step[%s] failed: %w", s.names[i], err)
		}
	}
	return nil
}
