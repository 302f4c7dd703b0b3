package services

import "time"

const (
	KeyChannel       = "channel:%s"        // agent -> hash{id, nonce, data}
	KeyChannelIndex  = "channels"          // set of agents
	KeyChannelRounds = "channel:%s:rounds" // channel id -> zset scored by nonce
	KeyDraw          = "lotto:draw:%d"
	KeyDrawIndex     = "lotto:draws"
	KeyResponse      = "idem:%s"
	KeyRateLimit     = "ratelimit:%s:%s"

	TTLResponse     = 24 * time.Hour
	TTLClosedRounds = 30 * 24 * time.Hour // 30 days

	DefaultRateLimitCommits = 30 // per agent per minute
)
