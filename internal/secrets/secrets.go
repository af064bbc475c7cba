// Package secrets 提供完整性哈希所需的密钥材料。守卫持有的密钥
// 不落入裁决本身，缓存的裁决因此无法在外部被改写后重新签名。
package secrets

import (
	"bytes"
	"os"
	"strings"

	xerrors "ChainGuard/internal/errors"
)

// Provider 抽象密钥来源。
type Provider interface {
	IntegrityKey() ([]byte, error)
}

// StaticProvider 直接持有密钥字节，主要用于测试。
type StaticProvider struct {
	key []byte
}

// NewStaticProvider 创建静态密钥源。
func NewStaticProvider(key []byte) (*StaticProvider, error) {
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "完整性密钥不能为空")
	}
	return &StaticProvider{key: bytes.Clone(key)}, nil
}

// IntegrityKey 实现 Provider 接口。
func (p *StaticProvider) IntegrityKey() ([]byte, error) {
	return bytes.Clone(p.key), nil
}

// EnvProvider 从环境变量读取密钥。
type EnvProvider struct {
	variable string
}

// NewEnvProvider 创建环境变量密钥源。
func NewEnvProvider(variable string) (*EnvProvider, error) {
	if strings.TrimSpace(variable) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "密钥环境变量名不能为空")
	}
	return &EnvProvider{variable: variable}, nil
}

// IntegrityKey 实现 Provider 接口。每次调用重新读取，允许运维替换
// 密钥后无需重启进程。
func (p *EnvProvider) IntegrityKey() ([]byte, error) {
	value := os.Getenv(p.variable)
	if value == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "环境变量 "+p.variable+" 未设置密钥")
	}
	return []byte(value), nil
}

// FileProvider 从文件读取密钥，适配挂载进容器的 secret 文件。
type FileProvider struct {
	path string
}

// NewFileProvider 创建文件密钥源。
func NewFileProvider(path string) (*FileProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "密钥文件路径不能为空")
	}
	return &FileProvider{path: path}, nil
}

// IntegrityKey 实现 Provider 接口。
func (p *FileProvider) IntegrityKey() ([]byte, error) {
	content, err := os.ReadFile(p.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取密钥文件失败")
	}
	key := bytes.TrimSpace(content)
	if len(key) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "密钥文件内容为空")
	}
	return key, nil
}
