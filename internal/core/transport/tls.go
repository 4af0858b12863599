package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ============================================================================
//                              TLS 配置
// ============================================================================

// certValidity 自签名证书有效期
const certValidity = 180 * 24 * time.Hour

// generateCertificate 生成一次性的自签名 ECDSA 证书
//
// 证书只为 QUIC 握手提供加密材料，不承载身份：对端身份不做
// 校验，传输内容的完整性由内容摘要保证。每个进程启动时生成
// 新密钥，退出即弃。
func generateCertificate() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			Organization: []string{"file-yeet"},
			CommonName:   "file-yeet peer",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(certValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// newServerTLS 构造接受连接一侧的 TLS 配置
func newServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// newClientTLS 构造发起连接一侧的 TLS 配置
//
// 对端证书是自签名的，跳过证书链校验，改由 verifyPeerCertificate
// 检查证书本身的结构与有效期。
func newClientTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeerCertificate,
		NextProtos:            []string{ALPN},
		MinVersion:            tls.VersionTLS13,
	}
}

// verifyPeerCertificate 校验对端自签名证书
//
// 只要求恰好一张结构合法且在有效期内的证书。
func verifyPeerCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) != 1 {
		return fmt.Errorf("expected exactly one peer certificate, got %d", len(rawCerts))
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return errors.New("peer certificate not yet valid")
	}
	if now.After(cert.NotAfter) {
		return errors.New("peer certificate expired")
	}
	return nil
}
