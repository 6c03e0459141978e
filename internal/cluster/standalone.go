package cluster

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"van-backend/pkg/types"

	"github.com/rs/zerolog"
)

// Standalone 进程内集群实现：对象保存在内存，证书由内置
// 签发者自签。签发出的 secret 事件与真实 cert-manager 流程一致，
// reconciler 侧不感知差别。
type Standalone struct {
	namespace string
	logger    zerolog.Logger

	mu      sync.Mutex
	secrets map[string]*Secret
	certs   map[string]*Certificate
	objects map[string]*Object // kind/name 为键

	// 签发材料，按证书对象名索引
	keys    map[string]*ecdsa.PrivateKey
	parents map[string]*x509.Certificate

	secretWatchers []SecretWatcher
	certWatchers   []CertificateWatcher
}

// NewStandalone 创建脱离集群的协作方实现
func NewStandalone(namespace string, logger zerolog.Logger) *Standalone {
	return &Standalone{
		namespace: namespace,
		logger:    logger.With().Str("component", "cluster").Str("namespace", namespace).Logger(),
		secrets:   make(map[string]*Secret),
		certs:     make(map[string]*Certificate),
		objects:   make(map[string]*Object),
		keys:      make(map[string]*ecdsa.PrivateKey),
		parents:   make(map[string]*x509.Certificate),
	}
}

func objectKey(kind, name string) string { return kind + "/" + name }

// ApplyObject 创建或更新对象
func (c *Standalone) ApplyObject(obj *Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj.Annotations == nil {
		obj.Annotations = map[string]string{}
	}
	obj.Annotations[types.AnnotationControlled] = "true"
	c.objects[objectKey(obj.Kind, obj.Name)] = obj
	return nil
}

// ApplyCertificate 创建或更新证书对象并异步签发
func (c *Standalone) ApplyCertificate(cert *Certificate) error {
	c.mu.Lock()
	if cert.Annotations == nil {
		cert.Annotations = map[string]string{}
	}
	cert.Annotations[types.AnnotationControlled] = "true"
	c.certs[cert.Name] = cert
	c.mu.Unlock()

	// 异步签发，模拟 cert-manager 的事件顺序
	go func() {
		if err := c.issue(cert); err != nil {
			c.logger.Error().Str("certificate", cert.Name).Err(err).Msg("Issuance failed")
		}
	}()
	return nil
}

// issue 生成密钥对并签发证书，然后派发监视事件
func (c *Standalone) issue(cert *Certificate) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}

	duration := time.Duration(cert.Spec.DurationDays) * 24 * time.Hour
	if duration == 0 {
		duration = 365 * 24 * time.Hour
	}
	notBefore := time.Now()
	notAfter := notBefore.Add(duration)

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cert.Name},
		DNSNames:              cert.Spec.DNSNames,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  cert.Spec.IsCA,
		KeyUsage:              x509.KeyUsageDigitalSignature,
	}
	if cert.Spec.IsCA {
		template.KeyUsage |= x509.KeyUsageCertSign
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	}

	// 上级为 root 或未知时自签，代表外部根签发者
	c.mu.Lock()
	parentCert := c.parents[cert.Spec.IssuerName]
	parentKey := c.keys[cert.Spec.IssuerName]
	c.mu.Unlock()

	signerCert := template
	var signerKey any = key
	if parentCert != nil && parentKey != nil {
		signerCert = parentCert
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &key.PublicKey, signerKey)
	if err != nil {
		return fmt.Errorf("signing certificate: %w", err)
	}
	issued, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parsing issued certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	caPEM := certPEM
	if parentCert != nil {
		caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: parentCert.Raw})
	}

	renewal := notBefore.Add(duration * 2 / 3)

	c.mu.Lock()
	cert.Status.NotAfter = &notAfter
	cert.Status.RenewalTime = &renewal

	if cert.Spec.IsCA {
		c.keys[cert.Name] = key
		c.parents[cert.Name] = issued
	}

	annotations := map[string]string{}
	for k, v := range cert.Annotations {
		annotations[k] = v
	}
	secret := &Secret{
		Name:        cert.Spec.SecretName,
		Annotations: annotations,
		Data: map[string]string{
			"tls.crt": string(certPEM),
			"tls.key": string(keyPEM),
			"ca.crt":  string(caPEM),
		},
	}
	c.secrets[secret.Name] = secret

	certWatchers := append([]CertificateWatcher(nil), c.certWatchers...)
	secretWatchers := append([]SecretWatcher(nil), c.secretWatchers...)
	c.mu.Unlock()

	for _, cb := range certWatchers {
		cb(WatchModified, cert)
	}
	for _, cb := range secretWatchers {
		cb(WatchAdded, secret)
	}
	return nil
}

// LoadSecret 读取凭证
func (c *Standalone) LoadSecret(name string) (*Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	secret, ok := c.secrets[name]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
	}
	return secret, nil
}

// LoadCertificate 读取证书对象
func (c *Standalone) LoadCertificate(name string) (*Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cert, ok := c.certs[name]
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", name, ErrNotFound)
	}
	return cert, nil
}

// DeleteObject 删除对象
func (c *Standalone) DeleteObject(kind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, objectKey(kind, name))
	return nil
}

// DeleteSecret 删除凭证
func (c *Standalone) DeleteSecret(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, name)
	return nil
}

// DeleteCertificate 删除证书对象及其签发材料
func (c *Standalone) DeleteCertificate(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.certs, name)
	delete(c.keys, name)
	delete(c.parents, name)
	return nil
}

// ListObjects 列出某类对象
func (c *Standalone) ListObjects(kind string) ([]*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Object
	for _, obj := range c.objects {
		if obj.Kind == kind {
			out = append(out, obj)
		}
	}
	return out, nil
}

// ListSecrets 列出全部凭证
func (c *Standalone) ListSecrets() ([]*Secret, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Secret, 0, len(c.secrets))
	for _, secret := range c.secrets {
		out = append(out, secret)
	}
	return out, nil
}

// ListCertificates 列出全部证书对象
func (c *Standalone) ListCertificates() ([]*Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Certificate, 0, len(c.certs))
	for _, cert := range c.certs {
		out = append(out, cert)
	}
	return out, nil
}

// WatchSecrets 订阅凭证事件
func (c *Standalone) WatchSecrets(cb SecretWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secretWatchers = append(c.secretWatchers, cb)
}

// WatchCertificates 订阅证书事件
func (c *Standalone) WatchCertificates(cb CertificateWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.certWatchers = append(c.certWatchers, cb)
}
