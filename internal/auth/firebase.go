// Package auth はIDトークンの検証による利用者の識別を提供する。
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/doctorplus/internal/model"
)

const (
	// DefaultCertsURL はFirebase IDトークンの署名に使われる公開証明書の配布URL。
	DefaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

	issuerPrefix = "https://securetoken.google.com/"

	// defaultCertsTTL はCache-Controlにmax-ageが無い場合の証明書キャッシュ期間。
	defaultCertsTTL = time.Hour
	maxCertsBytes   = 1 << 20

	// minRefetchInterval は未知のkidによるキャッシュ期間内の再取得の最短間隔。
	minRefetchInterval = time.Minute
)

var (
	// ErrInvalidToken はトークンの形式・署名・クレームのいずれかが不正な場合のエラー。
	ErrInvalidToken = errors.New("auth: invalid id token")
	// ErrKeysUnavailable は公開証明書を取得できない場合のエラー。
	ErrKeysUnavailable = errors.New("auth: signing keys unavailable")
)

// TokenVerifier はBearerトークンを検証し、利用者を返す。
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*model.User, error)
}

// FirebaseConfig はFirebaseVerifierの設定。
type FirebaseConfig struct {
	ProjectID  string
	CertsURL   string // テスト用にオーバーライド可能
	HTTPClient *http.Client
}

// FirebaseVerifier はFirebase Authenticationが発行したIDトークンを検証する。
// 公開証明書はCache-Controlのmax-ageの間キャッシュする。
type FirebaseVerifier struct {
	projectID  string
	certsURL   string
	httpClient *http.Client
	now        func() time.Time

	// fetchGroup は同時に発生した証明書取得を1回にまとめる。ネットワーク呼び出し中はmuを保持しない。
	fetchGroup singleflight.Group

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	fetchedAt time.Time // 最後に取得を試みた時刻
}

// NewFirebaseVerifier はFirebaseVerifierを生成する。
func NewFirebaseVerifier(cfg FirebaseConfig) *FirebaseVerifier {
	if cfg.CertsURL == "" {
		cfg.CertsURL = DefaultCertsURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &FirebaseVerifier{
		projectID:  cfg.ProjectID,
		certsURL:   cfg.CertsURL,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}
}

// firebaseClaims はFirebase IDトークンのクレーム。
type firebaseClaims struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Firebase struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// Verify はIDトークンを検証し、subをIDとするUserを返す。
// 署名アルゴリズムはRS256のみ受け付け、aud・iss・expを必須とする。
func (v *FirebaseVerifier) Verify(ctx context.Context, rawToken string) (*model.User, error) {
	var claims firebaseClaims

	token, err := jwt.ParseWithClaims(rawToken, &claims,
		func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			return v.publicKey(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuer(issuerPrefix+v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, ErrKeysUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &model.User{
		ID:        claims.Subject,
		Name:      claims.Name,
		Email:     claims.Email,
		Anonymous: claims.Firebase.SignInProvider == "anonymous",
	}, nil
}

// publicKey はkidに対応する公開鍵を返す。
// キャッシュが期限切れの場合、またはkidが未知で前回の取得からminRefetchInterval以上経過した場合
// （鍵のローテーション直後）は証明書を再取得する。
func (v *FirebaseVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	key, refetch := v.lookup(kid)
	if key != nil {
		return key, nil
	}
	if refetch {
		if err := v.refresh(ctx, kid); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
		}
		if key, _ = v.lookup(kid); key != nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("unknown kid: %s", kid)
}

// lookup はキャッシュからkidの鍵を探し、見つからない場合に再取得すべきかを返す。
func (v *FirebaseVerifier) lookup(kid string) (*rsa.PublicKey, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lookupLocked(kid)
}

func (v *FirebaseVerifier) lookupLocked(kid string) (*rsa.PublicKey, bool) {
	now := v.now()
	if v.keys == nil || !now.Before(v.expiresAt) {
		return nil, true
	}
	if key, ok := v.keys[kid]; ok {
		return key, false
	}
	return nil, !now.Before(v.fetchedAt.Add(minRefetchInterval))
}

// refresh は証明書を取得してキャッシュを更新する。
// 同時の呼び出しは1回の取得を共有し、待機中に他の呼び出しが更新済みなら取得しない。
func (v *FirebaseVerifier) refresh(ctx context.Context, kid string) error {
	_, err, _ := v.fetchGroup.Do("certs", func() (interface{}, error) {
		v.mu.Lock()
		if key, refetch := v.lookupLocked(kid); key != nil || !refetch {
			v.mu.Unlock()
			return nil, nil
		}
		v.fetchedAt = v.now()
		v.mu.Unlock()

		// 先頭の呼び出し元がキャンセルしても、待機中の呼び出しのために取得は続ける
		keys, ttl, err := v.fetchKeys(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		v.keys = keys
		v.expiresAt = v.now().Add(ttl)
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

// fetchKeys は証明書配布URLから {kid: PEM証明書} 形式のJSONを取得し、公開鍵に変換する。
func (v *FirebaseVerifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.certsURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create certs request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("certs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("certs fetch failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertsBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read certs response: %w", err)
	}

	var certs map[string]string
	if err := json.Unmarshal(body, &certs); err != nil {
		return nil, 0, fmt.Errorf("failed to parse certs response: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(certs))
	for kid, pemCert := range certs {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemCert))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse certificate %s: %w", kid, err)
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("empty certs response")
	}

	ttl := parseMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultCertsTTL
	}
	return keys, ttl, nil
}

// parseMaxAge はCache-Controlヘッダーからmax-ageを取り出す。無い場合は0を返す。
func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		name, value, ok := strings.Cut(directive, "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}

// compile-time interface check
var _ TokenVerifier = (*FirebaseVerifier)(nil)
