package mandate

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain 描述授权哈希的域分隔信息。同一份授权在不同部署
// （域名、版本、链或注册表不同）下哈希不同，因此无法跨域重放。
type Domain struct {
	Name     string
	Version  string
	ChainID  *big.Int
	Registry common.Address
}

// separator 计算域分隔哈希。
func (d Domain) separator() common.Hash {
	chainID := d.ChainID
	if chainID == nil {
		chainID = big.NewInt(0)
	}
	return crypto.Keccak256Hash(
		[]byte(d.Name),
		[]byte(d.Version),
		chainID.Bytes(),
		d.Registry.Bytes(),
	)
}

// Signer 负责构建并签署授权工件。nonce 在签名者生命周期内保证唯一。
type Signer struct {
	key    *ecdsa.PrivateKey
	agent  common.Address
	domain Domain

	mu     sync.Mutex
	nonces map[uint64]struct{}
	now    func() time.Time
}

// NewSigner 创建授权签名者。
func NewSigner(hexKey string, domain Domain) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置签名私钥")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析签名私钥失败")
	}
	return &Signer{
		key:    key,
		agent:  crypto.PubkeyToAddress(key.PublicKey),
		domain: domain,
		nonces: make(map[uint64]struct{}),
		now:    time.Now,
	}, nil
}

// Agent 返回签名者对应的代理地址。
func (s *Signer) Agent() common.Address {
	return s.agent
}

// CreateMandate 为一笔已批准的意图签发授权。expiry 必须晚于签发
// 时间，金额必须为正。
func (s *Signer) CreateMandate(amount float64, ttl time.Duration, conditions []string) (*Mandate, error) {
	if amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权金额必须为正数")
	}
	if ttl <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "授权时长必须为正数")
	}

	nonce, err := s.freshNonce()
	if err != nil {
		return nil, err
	}

	issuedAt := s.now()
	m := &Mandate{
		Agent:      s.agent,
		MaxAmount:  amount,
		IssuedAt:   issuedAt,
		Expiry:     issuedAt.Add(ttl),
		Nonce:      nonce,
		Conditions: append([]string(nil), conditions...),
	}
	m.ContentHash = s.contentHash(m)

	signature, err := crypto.Sign(m.ContentHash.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("签署授权失败: %w", err)
	}
	m.Signature = signature
	return m, nil
}

// Verify 重算内容哈希并从签名恢复签署者身份，身份不符或内容被改
// 动时返回 MANDATE_TAMPERED。
func (s *Signer) Verify(m *Mandate) error {
	return VerifyMandate(m, s.domain)
}

// VerifyMandate 校验任意授权工件与声称的代理身份是否一致。
func VerifyMandate(m *Mandate, domain Domain) error {
	if m == nil || len(m.Signature) == 0 {
		return ErrMandateTampered
	}

	expected := hashMandate(m, domain)
	if expected != m.ContentHash {
		return ErrMandateTampered
	}

	pub, err := crypto.SigToPub(m.ContentHash.Bytes(), m.Signature)
	if err != nil {
		return xerrors.Wrap(CodeMandateTampered, err, "恢复签署者失败")
	}
	if crypto.PubkeyToAddress(*pub) != m.Agent {
		return ErrMandateTampered
	}
	return nil
}

// contentHash 计算当前域下的授权内容哈希，可直接用于注册表登记。
func (s *Signer) contentHash(m *Mandate) common.Hash {
	return hashMandate(m, s.domain)
}

func hashMandate(m *Mandate, domain Domain) common.Hash {
	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, m.Nonce)

	separator := domain.separator()
	return crypto.Keccak256Hash(
		separator.Bytes(),
		m.Agent.Bytes(),
		[]byte(strconv.FormatFloat(m.MaxAmount, 'f', -1, 64)),
		[]byte(strconv.FormatInt(m.Expiry.Unix(), 10)),
		nonceBytes,
		[]byte(strings.Join(m.Conditions, "\x1f")),
	)
}

// freshNonce 生成签名者生命周期内唯一的随机 nonce。
func (s *Signer) freshNonce() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 8; attempt++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return 0, fmt.Errorf("生成 nonce 失败: %w", err)
		}
		nonce := binary.BigEndian.Uint64(buf)
		if _, used := s.nonces[nonce]; used {
			continue
		}
		s.nonces[nonce] = struct{}{}
		return nonce, nil
	}
	return 0, xerrors.New(xerrors.CodeConflict, "nonce 生成冲突")
}
