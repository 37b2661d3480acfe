package settings

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay/internal/errors"
)

const pinSaltBytes = 16

// Service 管理用户授权档案与审批 PIN 的生命周期。
type Service struct {
	store Store
	now   func() time.Time
}

// NewService 创建用户设置服务。
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Get 加载用户档案。
func (s *Service) Get(ctx context.Context, userID string) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "用户标识不能为空")
	}
	return s.store.Load(ctx, userID)
}

// Ensure 加载用户档案，不存在时创建一条空档案。
func (s *Service) Ensure(ctx context.Context, userID string) (*User, error) {
	user, err := s.Get(ctx, userID)
	if err == nil {
		return user, nil
	}
	if !stdErrors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := s.now()
	user = &User{UserID: strings.TrimSpace(userID), CreatedAt: now, UpdatedAt: now}
	if err := s.store.Save(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SetPIN 为用户设置审批 PIN。PIN 必须是 4 位数字，存储前盐化哈希。
func (s *Service) SetPIN(ctx context.Context, userID, pin string) error {
	if !validPIN(pin) {
		return ErrInvalidPIN
	}
	user, err := s.Ensure(ctx, userID)
	if err != nil {
		return err
	}

	hash, err := HashPIN(pin)
	if err != nil {
		return err
	}
	user.PINHash = hash
	user.UpdatedAt = s.now()
	return s.store.Save(ctx, user)
}

// ChangePIN 校验旧 PIN 后替换为新 PIN。
func (s *Service) ChangePIN(ctx context.Context, userID, oldPIN, newPIN string) error {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPIN() {
		return xerrors.New(xerrors.CodeConflict, "用户尚未设置 PIN")
	}
	if !VerifyPIN(user.PINHash, oldPIN) {
		return xerrors.New(xerrors.CodeInvalidArgument, "旧 PIN 不正确")
	}
	return s.SetPIN(ctx, userID, newPIN)
}

// Authorize 标记用户为已授权主体。
func (s *Service) Authorize(ctx context.Context, userID, walletAddress string) error {
	user, err := s.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	user.IsAuthorized = true
	if addr := strings.TrimSpace(walletAddress); addr != "" {
		user.WalletAddress = addr
	}
	user.UpdatedAt = s.now()
	return s.store.Save(ctx, user)
}

// EnrollVoice 记录用户的声纹档案指纹。
func (s *Service) EnrollVoice(ctx context.Context, userID, profileHash string) error {
	profileHash = strings.TrimSpace(profileHash)
	if profileHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "声纹指纹不能为空")
	}
	user, err := s.Ensure(ctx, userID)
	if err != nil {
		return err
	}
	user.VoiceEnrolled = true
	user.VoiceProfileHash = profileHash
	user.UpdatedAt = s.now()
	return s.store.Save(ctx, user)
}

// HashPIN 对 PIN 进行盐化哈希，输出 salt:digest 形式。
func HashPIN(pin string) (string, error) {
	if strings.TrimSpace(pin) == "" {
		return "", ErrInvalidPIN
	}
	salt := make([]byte, pinSaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("生成盐失败: %w", err)
	}
	digest := sha256.Sum256(append(salt, []byte(pin)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// VerifyPIN 以常数时间比较的方式校验 PIN。
func VerifyPIN(hashed, pin string) bool {
	if hashed == "" {
		return false
	}
	parts := strings.SplitN(hashed, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(pin)...))
	return subtle.ConstantTimeCompare(digest[:], expected) == 1
}

// validPIN 要求 PIN 恰好为 4 位数字。
func validPIN(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
