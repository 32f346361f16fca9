package websocket

import (
	"strings"

	"confluence-sentry/pkg/types"
)

// channelFor OKX K线频道名，例如 candle5m、candle1H
func channelFor(tf types.Timeframe) string {
	return "candle" + tf.OKXBar()
}

// timeframeFromChannel 从频道名解析周期
func timeframeFromChannel(channel string) (types.Timeframe, bool) {
	if !strings.HasPrefix(channel, "candle") {
		return "", false
	}
	bar := strings.TrimPrefix(channel, "candle")
	for _, tf := range types.AllTimeframes {
		if tf.OKXBar() == bar {
			return tf, true
		}
	}
	return "", false
}
