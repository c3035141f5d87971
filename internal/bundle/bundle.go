// Package bundle reads the model artifact directory: config.json with the
// tiling and special-token settings, and tokenizer.json with the vocabulary
// and merge ranks. Both are read once and treated as immutable.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lumen/internal/errdefs"
	"github.com/samcharles93/lumen/internal/imageproc"
)

const (
	ConfigFile    = "config.json"
	TokenizerFile = "tokenizer.json"

	DefaultMaxImageSize    = 2048
	DefaultSplitImageSize  = 512
	DefaultImageToken      = "<|image|>"
	DefaultGlobalToken     = "<|global_image|>"
	DefaultEOSTokenID      = 2
	DefaultTemplate        = "chatml"
	DefaultImageTokenCount = 64
)

var (
	ErrNotRegular = errors.New("artifact is not a regular file")
	ErrTooLarge   = errors.New("artifact too large to map")
)

// ExtraTokens names the image marker strings added to the vocabulary.
type ExtraTokens struct {
	ImageToken       string `json:"image_token"`
	GlobalImageToken string `json:"global_image_token"`
}

// Config is the parsed config.json. Optional fields use pointers so that
// absent keys can be told apart from explicit zeros.
type Config struct {
	VitImageSize int         `json:"vit_img_size"`
	VitHiddenDim int         `json:"vit_hidden_dim"`
	LMHiddenDim  int         `json:"lm_hidden_dim"`
	LMHeads      int         `json:"lm_n_heads"`
	LMKVHeads    int         `json:"lm_n_kv_heads"`
	LMBlocks     int         `json:"lm_n_blocks"`
	LMVocabSize  int         `json:"lm_vocab_size"`
	Tokenizer    string      `json:"lm_tokenizer"`
	ExtraTokens  ExtraTokens `json:"vlm_extra_tokens"`

	ImageTokenLength   *int    `json:"mp_image_token_length"`
	MaxImageSize       *int    `json:"max_img_size"`
	SplitImageSize     *int    `json:"splitted_image_size"`
	ResizeToMaxSideLen *bool   `json:"resize_to_max_side_len"`
	EOSTokenID         *int    `json:"eos_token_id"`
	ChatTemplate       *string `json:"chat_template"`
}

// Tiling holds the resolved tiling budget.
type Tiling struct {
	MaxSideLen    int
	PatchSize     int
	ResizeToMax   bool
	TokensPerTile int
}

func (c Config) Tiling() Tiling {
	t := Tiling{
		MaxSideLen:    DefaultMaxImageSize,
		PatchSize:     DefaultSplitImageSize,
		TokensPerTile: DefaultImageTokenCount,
	}
	if c.ImageTokenLength != nil {
		t.TokensPerTile = *c.ImageTokenLength
	}
	if c.MaxImageSize != nil {
		t.MaxSideLen = *c.MaxImageSize
	}
	if c.SplitImageSize != nil {
		t.PatchSize = *c.SplitImageSize
	}
	if c.ResizeToMaxSideLen != nil {
		t.ResizeToMax = *c.ResizeToMaxSideLen
	}
	return t
}

func (c Config) ImageToken() string {
	if c.ExtraTokens.ImageToken != "" {
		return c.ExtraTokens.ImageToken
	}
	return DefaultImageToken
}

func (c Config) GlobalImageToken() string {
	if c.ExtraTokens.GlobalImageToken != "" {
		return c.ExtraTokens.GlobalImageToken
	}
	return DefaultGlobalToken
}

func (c Config) EOS() int {
	if c.EOSTokenID != nil {
		return *c.EOSTokenID
	}
	return DefaultEOSTokenID
}

func (c Config) Template() string {
	if c.ChatTemplate != nil && *c.ChatTemplate != "" {
		return *c.ChatTemplate
	}
	return DefaultTemplate
}

// Validate reports structurally impossible settings as ConfigError.
func (c Config) Validate() error {
	t := c.Tiling()
	switch {
	case t.PatchSize <= 0:
		return errdefs.Config("load", "splitted_image_size must be positive, got %d", t.PatchSize)
	case t.MaxSideLen < t.PatchSize:
		return errdefs.Config("load", "max_img_size %d smaller than splitted_image_size %d", t.MaxSideLen, t.PatchSize)
	case t.MaxSideLen%t.PatchSize != 0:
		return errdefs.Config("load", "max_img_size %d is not a multiple of splitted_image_size %d", t.MaxSideLen, t.PatchSize)
	case t.MaxSideLen/t.PatchSize > imageproc.MaxGridSide:
		return errdefs.Config("load", "max_img_size %d allows a %dx%d grid, more than the %dx%d location markers",
			t.MaxSideLen, t.MaxSideLen/t.PatchSize, t.MaxSideLen/t.PatchSize, imageproc.MaxGridSide, imageproc.MaxGridSide)
	case t.TokensPerTile <= 0:
		return errdefs.Config("load", "mp_image_token_length must be positive, got %d", t.TokensPerTile)
	case c.LMHiddenDim < 0 || c.LMBlocks < 0:
		return errdefs.Config("load", "negative model dimensions")
	case c.ImageToken() == c.GlobalImageToken():
		return errdefs.Config("load", "image and global image tokens must differ, both are %q", c.ImageToken())
	}
	return nil
}

// ParseConfig decodes and validates config.json contents.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, errdefs.Config("load", "parse %s: %v", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Bundle is a loaded artifact directory.
type Bundle struct {
	Dir           string
	Config        Config
	TokenizerJSON []byte
}

// Load reads dir/config.json and dir/tokenizer.json. Any missing or
// malformed artifact is a ConfigError.
func Load(dir string) (*Bundle, error) {
	if dir == "" {
		return nil, errdefs.Config("load", "bundle directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errdefs.Config("load", "bundle %s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, errdefs.Config("load", "bundle %s is not a directory", dir)
	}

	var cfg Config
	err = withFile(filepath.Join(dir, ConfigFile), func(data []byte) error {
		var perr error
		cfg, perr = ParseConfig(data)
		return perr
	})
	if err != nil {
		return nil, err
	}

	var tok []byte
	err = withFile(filepath.Join(dir, TokenizerFile), func(data []byte) error {
		if len(data) == 0 {
			return errdefs.Config("load", "%s is empty", TokenizerFile)
		}
		tok = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Bundle{Dir: dir, Config: cfg, TokenizerJSON: tok}, nil
}

func withFile(path string, fn func([]byte) error) (err error) {
	f, err := openMapped(path)
	if err != nil {
		return errdefs.Config("load", "open %s: %v", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", filepath.Base(path), cerr)
		}
	}()
	return fn(f.Data)
}
