package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const promptTimeout = 2 * time.Second

var errPromptTimeout = errors.New("prompt template timed out")

// RenderPrompt evaluates tmpl as a JavaScript template literal with the
// call's lead fields bound to `lead`, e.g. "Hi ${lead.firstName}". Each
// call gets its own runtime and is interrupted after promptTimeout.
func RenderPrompt(ctx context.Context, tmpl string, lead map[string]string) (string, error) {
	if !strings.Contains(tmpl, "${") {
		return tmpl, nil
	}

	vm := goja.New()

	fields := make(map[string]any, len(lead))
	for k, v := range lead {
		fields[k] = v
	}
	if err := vm.Set("lead", fields); err != nil {
		return "", fmt.Errorf("failed to bind lead: %w", err)
	}

	escaped := strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(tmpl)
	src := "`" + escaped + "`"

	ctx, cancel := context.WithTimeout(ctx, promptTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- result{err: fmt.Errorf("prompt template panicked: %v", r)}
			}
		}()
		val, err := vm.RunString(src)
		if err != nil {
			resultChan <- result{err: err}
			return
		}
		resultChan <- result{text: val.String()}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(res.err, &interrupted) {
				return "", errPromptTimeout
			}
			return "", fmt.Errorf("failed to render prompt: %w", res.err)
		}
		return res.text, nil
	case <-ctx.Done():
		vm.Interrupt("execution timeout")
		return "", errPromptTimeout
	}
}
