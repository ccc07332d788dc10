package transport

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/shardkeeper/cfg"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

const zstdName = "zstd"

// zstdCompressor is a gRPC compressor with pooled encoders and decoders.
type zstdCompressor struct {
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
}

func init() {
	// Servers must accept zstd regardless of their own client settings.
	encoding.RegisterCompressor(&zstdCompressor{level: zstdLevel(cfg.Config.GRPCClient.CompressionLevel)})
}

func (c *zstdCompressor) Name() string { return zstdName }

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return &pooledEncoder{enc: enc, pool: &c.encoders}, nil
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return &pooledEncoder{enc: enc, pool: &c.encoders}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if dec, ok := c.decoders.Get().(*zstd.Decoder); ok {
		if err := dec.Reset(r); err != nil {
			c.decoders.Put(dec)
			return nil, err
		}
		return &pooledDecoder{dec: dec, pool: &c.decoders}, nil
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &pooledDecoder{dec: dec, pool: &c.decoders}, nil
}

type pooledEncoder struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (p *pooledEncoder) Write(data []byte) (int, error) { return p.enc.Write(data) }

func (p *pooledEncoder) Close() error {
	err := p.enc.Close()
	p.pool.Put(p.enc)
	return err
}

type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

func (p *pooledDecoder) Read(data []byte) (int, error) {
	n, err := p.dec.Read(data)
	if err == io.EOF {
		p.pool.Put(p.dec)
	}
	return n, err
}

// zstdLevel maps grpc_client.compression_level (1-4) onto zstd levels.
func zstdLevel(level int) zstd.EncoderLevel {
	switch level {
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}

// compressorName is the compressor clients request, or "" for none.
func compressorName() string {
	if cfg.Config.GRPCClient.Compression == "none" {
		return ""
	}
	log.Debug().Str("compressor", zstdName).Msg("gRPC client compression enabled")
	return zstdName
}
