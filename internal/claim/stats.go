package claim

// ClaimStats 聚合了凭据状态的统计信息，常用于仪表盘或健康检查。
type ClaimStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Executing       int   `json:"executing"`
	Executed        int   `json:"executed"`
	Failed          int   `json:"failed"`
	Expired         int   `json:"expired"`
	Revoked         int   `json:"revoked"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
