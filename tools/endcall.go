package tools

import (
	"encoding/json"
	"strings"
)

type EndCallArgs struct {
	Reason string `json:"reason"`
}

// ParseEndCall decodes end_call arguments. A missing reason is tolerated.
func ParseEndCall(raw json.RawMessage) (EndCallArgs, error) {
	var args EndCallArgs
	if len(strings.TrimSpace(string(raw))) == 0 {
		return EndCallArgs{Reason: "unspecified"}, nil
	}
	if err := unmarshalArgs(raw, &args); err != nil {
		return EndCallArgs{}, err
	}
	args.Reason = strings.TrimSpace(args.Reason)
	if args.Reason == "" {
		args.Reason = "unspecified"
	}
	return args, nil
}
