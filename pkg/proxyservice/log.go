package proxyservice

import "log/slog"

func logStopFailure(proxyID string, err error) {
	slog.Warn("proxyservice: backend stop failed, removing record anyway", "proxy_id", proxyID, "error", err)
}
