package main

import (
	"log/slog"

	"github.com/duolink/duolink/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: ALLOWED_ORIGINS is empty (browser clients accepted from the server's own host only)",
			"warning_code", "allowed_origins_empty",
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
		)
	}

	if !cfg.RequireAuthProof {
		logger.Warn("startup security warning: REQUIRE_AUTH_PROOF is off (possession of the session id alone joins a session)",
			"warning_code", "auth_proof_disabled",
		)
	}

	if cfg.StoreBackend == config.StoreBackendMemory {
		logger.Warn("startup security warning: STORE_BACKEND=memory loses all sessions on restart",
			"warning_code", "store_backend_memory",
			"store_backend", cfg.StoreBackend,
		)
	}

	if cfg.StoreBackend == config.StoreBackendBadger && !cfg.BadgerSyncWrites {
		logger.Warn("startup warning: STORE_SYNC_WRITES is off (recent sessions may be lost on crash)",
			"warning_code", "store_sync_writes_disabled",
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
