package upstream

import "context"

// ModelQuotaInfo is the per-model quota block of fetchAvailableModels.
// RemainingFraction is in [0,1]; ResetTime is an RFC 3339 string kept
// verbatim so it can serve as a watermark key.
type ModelQuotaInfo struct {
	RemainingFraction float64 `json:"remainingFraction"`
	ResetTime         string  `json:"resetTime"`
}

// ModelInfo is the display metadata the server reports per model id.
type ModelInfo struct {
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	QuotaInfo   *ModelQuotaInfo `json:"quotaInfo"`
}

type availableModelsResponse struct {
	Models map[string]ModelInfo `json:"models"`
}

// FetchAvailableModels retrieves the model-id → display metadata map,
// including each model's quota block when the server reports one.
func (c *Client) FetchAvailableModels(ctx context.Context, opts CallOptions) (map[string]ModelInfo, error) {
	if opts.LogLabel == "" {
		opts.LogLabel = "fetchAvailableModels"
	}
	var result availableModelsResponse
	if err := c.RequestJSON(ctx, opts, ":fetchAvailableModels", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	if result.Models == nil {
		result.Models = map[string]ModelInfo{}
	}
	return result.Models, nil
}
