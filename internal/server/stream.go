package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"go.uber.org/zap"

	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/live"
	"reliefline/internal/store"
)

// registerStreams exposes one server-sent event stream per collection. Each
// event carries the whole matching set; clients replace, never patch.
func registerStreams(api huma.API, e engine.Engine, log *zap.Logger) {
	type mineQuery struct {
		Mine bool `query:"mine" doc:"Only documents created by the caller"`
	}

	sse.Register(api, huma.Operation{
		OperationID: "stream-reports",
		Method:      http.MethodGet,
		Path:        "/streams/reports",
		Summary:     "Live report snapshots",
	}, map[string]any{"reports": ReportsSnapshot{}}, func(ctx context.Context, input *mineQuery, send sse.Sender) {
		sub, err := e.WatchReports(ctx, ownerFilter(ctx, input.Mine, "userId"))
		pump(ctx, log, domain.CollectionReports, sub, err, send, func(s live.Snapshot[domain.Report]) any {
			return ReportsSnapshot{Seq: s.Seq, Items: s.Items}
		})
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-requests",
		Method:      http.MethodGet,
		Path:        "/streams/requests",
		Summary:     "Live resource request snapshots",
	}, map[string]any{"requests": ResourceRequestsSnapshot{}}, func(ctx context.Context, input *struct {
		Mine   bool   `query:"mine"`
		Status string `query:"status" enum:"pending,fulfilled"`
	}, send sse.Sender) {
		f := ownerFilter(ctx, input.Mine, "userId")
		if input.Status != "" {
			f = f.And("status", input.Status)
		}
		sub, err := e.WatchResourceRequests(ctx, f)
		pump(ctx, log, domain.CollectionRequests, sub, err, send, func(s live.Snapshot[domain.ResourceRequest]) any {
			return ResourceRequestsSnapshot{Seq: s.Seq, Items: s.Items}
		})
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-tasks",
		Method:      http.MethodGet,
		Path:        "/streams/tasks",
		Summary:     "Live volunteer task snapshots",
	}, map[string]any{"tasks": VolunteerTasksSnapshot{}}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,assigned,completed"`
	}, send sse.Sender) {
		var f store.Filter
		if input.Status != "" {
			f = store.Where("status", input.Status)
		}
		sub, err := e.WatchVolunteerTasks(ctx, f)
		pump(ctx, log, domain.CollectionTasks, sub, err, send, func(s live.Snapshot[domain.VolunteerTask]) any {
			return VolunteerTasksSnapshot{Seq: s.Seq, Items: s.Items}
		})
	})

	sse.Register(api, huma.Operation{
		OperationID: "stream-broadcasts",
		Method:      http.MethodGet,
		Path:        "/streams/broadcasts",
		Summary:     "Live broadcast snapshots, newest first",
	}, map[string]any{"broadcasts": BroadcastsSnapshot{}}, func(ctx context.Context, input *struct{}, send sse.Sender) {
		sub, err := e.WatchBroadcasts(ctx)
		pump(ctx, log, domain.CollectionBroadcasts, sub, err, send, func(s live.Snapshot[domain.Broadcast]) any {
			return BroadcastsSnapshot{Seq: s.Seq, Items: engine.NewestBroadcasts(s.Items, 0)}
		})
	})
}

func ownerFilter(ctx context.Context, mine bool, field string) store.Filter {
	if !mine {
		return store.Filter{}
	}
	p, _ := principalFromContext(ctx)
	return store.Where(field, p.ActorID)
}

func pump[T any](ctx context.Context, log *zap.Logger, collection string, sub *live.Subscription[T], err error, send sse.Sender, wrap func(live.Snapshot[T]) any) {
	if err != nil {
		log.Warn("stream subscribe failed", zap.String("collection", collection), zap.Error(err))
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := send(sse.Message{ID: int(snap.Seq), Data: wrap(snap)}); err != nil {
				log.Debug("stream client gone", zap.String("collection", collection), zap.Error(err))
				return
			}
		}
	}
}
