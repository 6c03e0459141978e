package cluster

import (
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"van-backend/pkg/types"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitSecret(t *testing.T, c *Standalone, name string) *Secret {
	var secret *Secret
	require.Eventually(t, func() bool {
		s, err := c.LoadSecret(name)
		if err != nil {
			return false
		}
		secret = s
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return secret
}

func TestStandaloneIssuance(t *testing.T) {
	c := NewStandalone("skx-test", zerolog.Nop())

	var mu sync.Mutex
	var added []string
	c.WatchSecrets(func(action WatchAction, secret *Secret) {
		if action == WatchAdded {
			mu.Lock()
			added = append(added, secret.Name)
			mu.Unlock()
		}
	})

	err := c.ApplyCertificate(&Certificate{
		Name: "ca-cert",
		Annotations: map[string]string{
			types.AnnotationDBLink:     "req-1",
			types.AnnotationIssuerLink: types.IssuerRoot,
		},
		Spec: CertificateSpec{SecretName: "ca-cert", IsCA: true, DurationDays: 30},
	})
	require.NoError(t, err)

	secret := waitSecret(t, c, "ca-cert")

	// 注解透传到 secret
	assert.Equal(t, "req-1", secret.Annotations[types.AnnotationDBLink])
	assert.NotEmpty(t, secret.Data["tls.crt"])
	assert.NotEmpty(t, secret.Data["tls.key"])

	// CA 自签
	block, _ := pem.Decode([]byte(secret.Data["tls.crt"]))
	require.NotNil(t, block)
	caCert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, caCert.IsCA)

	// 证书对象状态回填有效期
	certObj, err := c.LoadCertificate("ca-cert")
	require.NoError(t, err)
	require.NotNil(t, certObj.Status.NotAfter)
	require.NotNil(t, certObj.Status.RenewalTime)
	assert.True(t, certObj.Status.RenewalTime.Before(*certObj.Status.NotAfter))

	mu.Lock()
	assert.Contains(t, added, "ca-cert")
	mu.Unlock()
}

func TestStandaloneChainedIssuance(t *testing.T) {
	c := NewStandalone("skx-test", zerolog.Nop())

	require.NoError(t, c.ApplyCertificate(&Certificate{
		Name: "ca-cert",
		Spec: CertificateSpec{SecretName: "ca-cert", IsCA: true, DurationDays: 30},
	}))
	caSecret := waitSecret(t, c, "ca-cert")

	// 下级证书由 CA 签发
	require.NoError(t, c.ApplyCertificate(&Certificate{
		Name: "leaf-cert",
		Spec: CertificateSpec{
			SecretName:   "leaf-cert",
			DNSNames:     []string{"site.example.com"},
			DurationDays: 7,
			IssuerName:   "ca-cert",
		},
	}))
	leafSecret := waitSecret(t, c, "leaf-cert")

	caBlock, _ := pem.Decode([]byte(caSecret.Data["tls.crt"]))
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	require.NoError(t, err)

	leafBlock, _ := pem.Decode([]byte(leafSecret.Data["tls.crt"]))
	leafCert, err := x509.ParseCertificate(leafBlock.Bytes)
	require.NoError(t, err)

	// 验证签发链
	assert.NoError(t, leafCert.CheckSignatureFrom(caCert))
	assert.Contains(t, leafCert.DNSNames, "site.example.com")

	// ca.crt 携带上级证书
	assert.Equal(t, caSecret.Data["tls.crt"], leafSecret.Data["ca.crt"])
}

func TestStandaloneObjects(t *testing.T) {
	c := NewStandalone("skx-test", zerolog.Nop())

	require.NoError(t, c.ApplyObject(&Object{Kind: "Issuer", Name: "iss-1"}))
	objs, err := c.ListObjects("Issuer")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	// controlled 注解由 Apply 打上
	assert.Equal(t, "true", objs[0].Annotations[types.AnnotationControlled])

	require.NoError(t, c.DeleteObject("Issuer", "iss-1"))
	objs, err = c.ListObjects("Issuer")
	require.NoError(t, err)
	assert.Empty(t, objs)
}
