package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
	"golang.org/x/crypto/hkdf"

	"github.com/lomehong/roost/pkg/errors"
)

// codec 负责存储条目载荷的编码和解码
// 编码顺序：先压缩后加密；校验和基于明文计算，解码时验证
type codec struct {
	secret            []byte
	keys              map[int][]byte
	compressThreshold int
}

// newCodec 创建编解码器
// secret是配置提供的主密钥素材，实际数据密钥通过HKDF按盐派生
func newCodec(secret []byte, compressThreshold int) *codec {
	return &codec{
		secret:            secret,
		keys:              make(map[int][]byte),
		compressThreshold: compressThreshold,
	}
}

// deriveKey 为指定的密钥版本派生数据密钥
func (c *codec) deriveKey(version int, salt []byte) error {
	reader := hkdf.New(sha256.New, c.secret, salt, []byte(fmt.Sprintf("roost-storage-key-v%d", version)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return fmt.Errorf("派生数据密钥失败: %w", err)
	}
	c.keys[version] = key
	return nil
}

// hasKey 是否已派生指定版本的密钥
func (c *codec) hasKey(version int) bool {
	_, ok := c.keys[version]
	return ok
}

// checksum 计算明文校验和
func checksum(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// encode 编码明文载荷
// 返回编码后的载荷、是否压缩、是否加密、校验和
func (c *codec) encode(plaintext []byte, encrypt bool, keyVersion int) (payload []byte, compressed bool, encrypted bool, sum string, err error) {
	sum = checksum(plaintext)
	payload = plaintext

	// 超过阈值的载荷先压缩
	if c.compressThreshold > 0 && len(plaintext) > c.compressThreshold {
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, werr := writer.Write(plaintext); werr == nil {
			if werr = writer.Close(); werr == nil && buf.Len() < len(plaintext) {
				payload = buf.Bytes()
				compressed = true
			}
		}
	}

	// 再加密
	if encrypt {
		key, ok := c.keys[keyVersion]
		if !ok {
			return nil, false, false, "", fmt.Errorf("密钥版本 %d 不存在", keyVersion)
		}
		sealed, serr := seal(key, payload)
		if serr != nil {
			return nil, false, false, "", fmt.Errorf("加密载荷失败: %w", serr)
		}
		payload = sealed
		encrypted = true
	}

	return payload, compressed, encrypted, sum, nil
}

// decode 解码载荷并验证校验和
// 校验和不匹配时返回错误，而不是静默返回损坏的数据
func (c *codec) decode(payload []byte, compressed bool, encrypted bool, keyVersion int, expectedSum string) ([]byte, error) {
	data := payload

	// 先解密
	if encrypted {
		key, ok := c.keys[keyVersion]
		if !ok {
			return nil, fmt.Errorf("密钥版本 %d 不存在", keyVersion)
		}
		opened, err := open(key, data)
		if err != nil {
			return nil, fmt.Errorf("解密载荷失败: %w", err)
		}
		data = opened
	}

	// 再解压
	if compressed {
		reader := lz4.NewReader(bytes.NewReader(data))
		unpacked, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("解压载荷失败: %w", err)
		}
		data = unpacked
	}

	// 验证校验和
	if expectedSum != "" && checksum(data) != expectedSum {
		return nil, errors.New(errors.ErrorTypeInternal, "CHECKSUM_MISMATCH", "存储条目校验和不匹配")
	}

	return data, nil
}

// seal 使用AES-GCM加密
func seal(key []byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open 使用AES-GCM解密
func open(key []byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("密文长度不足")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// newSalt 生成随机盐
func newSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("生成盐失败: %w", err)
	}
	return salt, nil
}
