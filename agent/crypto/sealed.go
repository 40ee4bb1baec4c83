// Package crypto 负责部署载荷的加解密。
//
// 载荷使用 age 口令模式（scrypt）加密，传输时为标准 base64 字符串。
package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"singbox-agent/agent/models"
)

// maxPlaintextSize 解密后文档大小上限
const maxPlaintextSize = 8 << 20

// Opener 解密部署载荷
type Opener interface {
	Open(payload string) ([]byte, error)
}

// Sealer 基于共享口令的载荷加解密
type Sealer struct {
	passphrase    string
	workFactor    int
	maxWorkFactor int
}

// NewSealer 创建加解密器
func NewSealer(passphrase string) *Sealer {
	return &Sealer{passphrase: passphrase, workFactor: 15, maxWorkFactor: 22}
}

// WithWorkFactor 设置加密时的 scrypt 工作因子（log2）
func (s *Sealer) WithWorkFactor(logN int) *Sealer {
	s.workFactor = logN
	return s
}

// Seal 加密明文并编码为 base64
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	if s.passphrase == "" {
		return "", errors.New("加密口令为空")
	}
	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return "", fmt.Errorf("创建加密口令失败: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("创建加密器失败: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("写入明文失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("完成加密失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open 解码并解密载荷
func (s *Sealer) Open(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: 载荷为空", models.ErrPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: base64解码失败: %w", models.ErrPayload, err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: 创建解密口令失败: %w", models.ErrPayload, err)
	}
	identity.SetMaxWorkFactor(s.maxWorkFactor)

	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: 解密失败: %w", models.ErrPayload, err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(r, maxPlaintextSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: 读取明文失败: %w", models.ErrPayload, err)
	}
	if len(plaintext) > maxPlaintextSize {
		return nil, fmt.Errorf("%w: 明文超过 %d 字节", models.ErrPayload, maxPlaintextSize)
	}
	return plaintext, nil
}
