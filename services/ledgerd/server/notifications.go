package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/store"
)

const wsWriteTimeout = 10 * time.Second

// handleNotifications streams wallet updates until the client goes away. Only wallets with
// records in the caller's tenant can be followed.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Hub == nil {
		http.Error(w, "notifications unavailable", http.StatusServiceUnavailable)
		return
	}
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		http.Error(w, "wallet required", http.StatusBadRequest)
		return
	}
	tenant, _ := TenantFromContext(r.Context())
	known, err := s.cfg.Records.Find(r.Context(), store.Filter{TenantID: tenant, Wallet: wallet, Limit: 1})
	if err != nil {
		s.logger.Error("resolve notification wallet", slog.String("tenant", tenant), slog.Any("error", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if len(known) == 0 {
		http.Error(w, "wallet not found", http.StatusNotFound)
		return
	}
	// Without configured patterns only same-origin browsers may connect.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.cfg.Hub.Subscribe(wallet)
	defer cancel()
	// Reads are only used to notice the peer closing.
	ctx := conn.CloseRead(r.Context())
	if err := streamUpdates(ctx, conn, updates); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("notification stream ended", slog.String("wallet", wallet), slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamUpdates(ctx context.Context, conn *websocket.Conn, updates <-chan notify.WalletUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			data, err := json.Marshal(update)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
