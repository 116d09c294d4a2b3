//nolint:revive
package walarchive

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashmap-kz/storecrypt/pkg/clients"
	st "github.com/hashmap-kz/storecrypt/pkg/storage"
	"github.com/hashmap-kz/streamcrypt/pkg/codec"
	"github.com/hashmap-kz/streamcrypt/pkg/crypt/aesgcm"

	"github.com/pgship/pgship/internal/infofile"
)

const (
	StoreLocal = "local"
	StoreSFTP  = "sftp"
	StoreS3    = "s3"
)

type SFTPOpts struct {
	Host       string
	Port       int
	User       string
	PKeyPath   string
	Passphrase string
	BaseDir    string
}

type S3Opts struct {
	URL             string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	UsePathStyle    bool
	DisableSSL      bool
}

type StoreOpts struct {
	Name    string // local (default), sftp, s3
	BaseDir string // archive root, e.g. <server home>/wals

	Compression    string // "", gzip, zstd
	EncryptionPass string // enables AES-GCM when set

	SFTP *SFTPOpts
	S3   *S3Opts
}

// ArchiveStore is the durable home of archived WAL segments. Files puts
// segments through the configured compression and encryption pipeline;
// Raw bypasses it for segments that arrive already compressed.
type ArchiveStore struct {
	Files st.Storage
	Raw   st.Storage

	// Compression recorded in the catalog for segments written via Files.
	Compression string
}

func NewArchiveStore(opts *StoreOpts) (*ArchiveStore, error) {
	backend, err := newBackend(opts)
	if err != nil {
		return nil, err
	}
	alg, err := algorithms(opts)
	if err != nil {
		return nil, err
	}
	files, err := st.NewVariadicStorage(backend, alg, writeExt(opts))
	if err != nil {
		return nil, err
	}
	raw := backend
	if opts.EncryptionPass != "" {
		// pre-compressed segments still get encrypted at rest
		raw, err = st.NewVariadicStorage(backend, alg, encExt(opts))
		if err != nil {
			return nil, err
		}
	}
	return &ArchiveStore{
		Files:       files,
		Raw:         raw,
		Compression: opts.Compression,
	}, nil
}

func newBackend(opts *StoreOpts) (st.Storage, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	switch name {
	case "", StoreLocal:
		return st.NewLocal(&st.LocalStorageOpts{
			BaseDir:      filepath.ToSlash(opts.BaseDir),
			FsyncOnWrite: true,
		})
	case StoreSFTP:
		if opts.SFTP == nil {
			return nil, fmt.Errorf("sftp storage requires sftp settings")
		}
		client, err := clients.NewSFTPClient(&clients.SFTPConfig{
			Host:       opts.SFTP.Host,
			Port:       fmt.Sprintf("%d", opts.SFTP.Port),
			User:       opts.SFTP.User,
			PkeyPath:   opts.SFTP.PKeyPath,
			Passphrase: opts.SFTP.Passphrase,
		})
		if err != nil {
			return nil, err
		}
		remotePath := filepath.ToSlash(filepath.Join(opts.SFTP.BaseDir, opts.BaseDir))
		return st.NewSFTPStorage(client.SFTPClient(), remotePath), nil
	case StoreS3:
		if opts.S3 == nil {
			return nil, fmt.Errorf("s3 storage requires s3 settings")
		}
		client, err := clients.NewS3Client(&clients.S3Config{
			EndpointURL:     opts.S3.URL,
			AccessKeyID:     opts.S3.AccessKeyID,
			SecretAccessKey: opts.S3.SecretAccessKey,
			Bucket:          opts.S3.Bucket,
			Region:          opts.S3.Region,
			UsePathStyle:    opts.S3.UsePathStyle,
			DisableSSL:      opts.S3.DisableSSL,
		})
		if err != nil {
			return nil, err
		}
		return st.NewS3Storage(client.Client(), opts.S3.Bucket, filepath.ToSlash(opts.BaseDir)), nil
	}
	return nil, fmt.Errorf("unknown storage name: %s", opts.Name)
}

func algorithms(opts *StoreOpts) (st.Algorithms, error) {
	alg := st.Algorithms{
		Gzip: &st.CodecPair{
			Compressor:   codec.GzipCompressor{},
			Decompressor: codec.GzipDecompressor{},
		},
		Zstd: &st.CodecPair{
			Compressor:   codec.ZstdCompressor{},
			Decompressor: codec.ZstdDecompressor{},
		},
	}
	if opts.EncryptionPass != "" {
		alg.AES = aesgcm.NewChunkedGCMCrypter(opts.EncryptionPass)
	}
	switch opts.Compression {
	case "", infofile.CompressionGzip, infofile.CompressionZstd:
	default:
		return st.Algorithms{}, fmt.Errorf("unknown compression: %s", opts.Compression)
	}
	return alg, nil
}

func writeExt(opts *StoreOpts) string {
	com := ""
	switch opts.Compression {
	case infofile.CompressionGzip:
		com = ".gz"
	case infofile.CompressionZstd:
		com = ".zst"
	}
	return com + encExt(opts)
}

func encExt(opts *StoreOpts) string {
	if opts.EncryptionPass != "" {
		return ".aes"
	}
	return ""
}
