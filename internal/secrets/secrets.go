// Package secrets 產生 executor 向 agent 認證用的憑證
package secrets

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrReferenceSecret = errors.New("reference secrets are not supported")
	ErrInvalidSecret   = errors.New("invalid secret")
)

// Type 憑證形式
type Type string

const (
	TypeValue     Type = "VALUE"
	TypeReference Type = "REFERENCE"
)

// Reference 指向外部儲存中的憑證
type Reference struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
}

// Secret Generator 的產出；只有 TypeValue 可以交給 executor
type Secret struct {
	Type      Type       `json:"type"`
	Value     []byte     `json:"value,omitempty"`
	Reference *Reference `json:"reference,omitempty"`
}

// Principal 憑證簽發對象
type Principal struct {
	Value  string            `json:"value"`
	Claims map[string]string `json:"claims,omitempty"`
}

// Generator 簽發 executor 憑證
type Generator interface {
	Generate(ctx context.Context, principal Principal) (*Secret, error)
}

// Validate 只接受非空的 value 憑證
func Validate(s *Secret) error {
	if s == nil {
		return fmt.Errorf("%w: no secret returned", ErrInvalidSecret)
	}
	switch s.Type {
	case TypeValue:
		if len(s.Value) == 0 {
			return fmt.Errorf("%w: empty value", ErrInvalidSecret)
		}
		return nil
	case TypeReference:
		return ErrReferenceSecret
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSecret, s.Type)
	}
}

// Static 永遠回傳同一個結果（關閉認證時與測試用）
type Static struct {
	Secret *Secret
	Err    error
}

func (s Static) Generate(context.Context, Principal) (*Secret, error) {
	return s.Secret, s.Err
}
