package api

import "github.com/samcharles93/lumen/internal/inference"

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type SpecialTokens struct {
	BOS         int `json:"bos"`
	EOS         int `json:"eos"`
	UNK         int `json:"unk"`
	PAD         int `json:"pad"`
	Image       int `json:"image"`
	GlobalImage int `json:"global_image"`
}

type ModelResponse struct {
	Model         string        `json:"model,omitempty"`
	MaxSideLen    int           `json:"max_side_len"`
	PatchSize     int           `json:"patch_size"`
	ResizeToMax   bool          `json:"resize_to_max"`
	TokensPerTile int           `json:"tokens_per_tile"`
	NumLayers     int           `json:"num_layers"`
	Template      string        `json:"template,omitempty"`
	Specials      SpecialTokens `json:"special_tokens"`
}

// TokenizeRequest renders a prompt. Rows and Cols describe the image grid;
// both zero means a text-only turn.
type TokenizeRequest struct {
	Text string `json:"text"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

type TokenizeResponse struct {
	IDs          []int `json:"ids"`
	Count        int   `json:"count"`
	ImageMarkers int   `json:"image_markers"`
}

type TileInfo struct {
	Role string `json:"role"`
	Row  int    `json:"row"`
	Col  int    `json:"col"`
	Size int    `json:"size"`
}

type TileResponse struct {
	SourceWidth  int        `json:"source_width"`
	SourceHeight int        `json:"source_height"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Rows         int        `json:"rows"`
	Cols         int        `json:"cols"`
	ImageTokens  int        `json:"image_tokens"`
	Tiles        []TileInfo `json:"tiles"`
}

// GenerateRequest is the JSON form of /v1/generate. ImageBase64 may be a
// bare payload or a data URL.
type GenerateRequest struct {
	Prompt       string `json:"prompt"`
	ImageBase64  string `json:"image_base64,omitempty"`
	MaxNewTokens int    `json:"max_new_tokens,omitempty"`
}

type Usage struct {
	PromptTokens    int     `json:"prompt_tokens"`
	ImageTokens     int     `json:"image_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	PrefillMillis   float64 `json:"prefill_ms"`
	TotalMillis     float64 `json:"total_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

type GenerateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Tokens []int  `json:"tokens"`
	Usage  Usage  `json:"usage"`
}

func usageFrom(s inference.Stats) Usage {
	return Usage{
		PromptTokens:    s.PromptTokens,
		ImageTokens:     s.ImageTokens,
		GeneratedTokens: s.TokensGenerated,
		PrefillMillis:   float64(s.PrefillDuration.Microseconds()) / 1000,
		TotalMillis:     float64(s.Duration.Microseconds()) / 1000,
		TokensPerSecond: s.TPS,
	}
}

func generateResponse(res *inference.Result) GenerateResponse {
	tokens := res.Tokens
	if tokens == nil {
		tokens = []int{}
	}
	return GenerateResponse{
		ID:     res.ID,
		Status: res.Status.String(),
		Text:   res.Text,
		Tokens: tokens,
		Usage:  usageFrom(res.Stats),
	}
}
