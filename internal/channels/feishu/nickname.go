package feishu

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcontact "github.com/larksuite/oapi-sdk-go/v3/service/contact/v3"

	"github.com/nextlevelbuilder/copaw/internal/channels"
)

const (
	// nicknameCacheMax bounds the open_id -> name cache.
	nicknameCacheMax = 500

	// nicknameTimeout keeps the Contact lookup from delaying inbound
	// handling; on timeout the sender falls back to "unknown#last4".
	nicknameTimeout = 2 * time.Second
)

// nicknameCache resolves open ids to display names through the Contact API,
// caching results. Failures (commonly a missing contact:user.base:readonly
// scope) are non-fatal.
type nicknameCache struct {
	client *lark.Client

	mu    sync.Mutex
	names map[string]string
	order []string
}

func newNicknameCache(client *lark.Client) *nicknameCache {
	return &nicknameCache{client: client, names: make(map[string]string)}
}

// Lookup returns the display name for an open id, or "" when unresolvable.
func (n *nicknameCache) Lookup(ctx context.Context, openID string) string {
	if openID == "" || strings.HasPrefix(openID, "unknown_") {
		return ""
	}
	n.mu.Lock()
	if name, ok := n.names[openID]; ok {
		n.mu.Unlock()
		return name
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, nicknameTimeout)
	defer cancel()

	req := larkcontact.NewGetUserReqBuilder().
		UserIdType(larkcontact.UserIdTypeOpenId).
		UserId(openID).
		Build()
	resp, err := n.client.Contact.User.Get(ctx, req)
	if err != nil {
		slog.Debug("feishu nickname lookup failed", "open_id", channels.Truncate(openID, 16), "error", err)
		return ""
	}
	if !resp.Success() || resp.Data == nil || resp.Data.User == nil {
		return ""
	}
	name := strings.TrimSpace(ptrStr(resp.Data.User.Name))
	if name == "" {
		name = strings.TrimSpace(ptrStr(resp.Data.User.Nickname))
	}
	if name == "" {
		return ""
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.names[openID]; !ok {
		n.names[openID] = name
		n.order = append(n.order, openID)
		for len(n.order) > nicknameCacheMax {
			delete(n.names, n.order[0])
			n.order = n.order[1:]
		}
	}
	return name
}
