package inventory

import (
	"context"
	"errors"
	"io"
	"time"

	"mohierarchy/internal/models"
	apperr "mohierarchy/pkg/errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	MethodStreamMOs       = "/inventory.Inventory/StreamMOs"
	MethodBatchGetMOs     = "/inventory.Inventory/BatchGetMOs"
	MethodBatchGetPRMs    = "/inventory.Inventory/BatchGetPRMs"
	MethodGetTPRMs        = "/inventory.Inventory/GetTPRMs"
	MethodGetMOLinkTPRMs  = "/inventory.Inventory/GetMOLinkTPRMs"
	MethodDescendantMOIDs = "/inventory.Inventory/DescendantMOIDs"
	MethodLifecycleTMOs   = "/inventory.Inventory/LifecycleForTMO"
	MethodSeverityFor     = "/inventory.Inventory/SeverityFor"
	MethodMOIDsByFilter   = "/search.Search/MOIDsByFilter"
)

// Client is the inventory surface the hierarchy engine consumes.
type Client interface {
	// StreamMOs delivers every MO of tmoID carrying the requested parameter values.
	StreamMOs(ctx context.Context, tmoID int64, tprmIDs []int64, fn func(mo *models.MO) error) error
	BatchGetMOs(ctx context.Context, ids []int64) ([]*models.MO, error)
	BatchGetPRMs(ctx context.Context, ids []int64) ([]*models.PRM, error)
	GetTPRMs(ctx context.Context, ids []int64) ([]*models.TPRM, error)
	// GetMOLinkTPRMs lists the parameter types of tmoID whose values are MO ids.
	GetMOLinkTPRMs(ctx context.Context, tmoID int64) ([]int64, error)
	// DescendantMOIDs walks the MO parent-child relation below the seeds of every group in one call.
	// The result maps each group key to every descendant of its seeds, seeds excluded.
	DescendantMOIDs(ctx context.Context, groups []DescendantGroup) (map[string][]int64, error)
	LifecycleForTMO(ctx context.Context, tmoIDs []int64) ([]int64, error)
	SeverityFor(ctx context.Context, tmoID int64, moIDs []int64) (int64, error)
}

// DescendantGroup is one seed set of a DescendantMOIDs walk. TMOID is the object type of the seeds.
type DescendantGroup struct {
	Key   string
	TMOID int64
	MOIDs []int64
}

// FilterQuery restricts a predicate evaluation to a pool of MOs.
type FilterQuery struct {
	TMOID     int64
	Predicate *models.Filter
	MOIDs     []int64
	PIDs      []int64
	TPRMIDs   []int64
}

type FilterClient interface {
	MOIDsByFilter(ctx context.Context, q FilterQuery) ([]int64, error)
}

// Dial opens a channel with the keepalive settings the inventory service expects.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             15 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

type grpcClient struct {
	conn  grpc.ClientConnInterface
	retry Retry
	log   *zap.Logger
}

func NewClient(conn grpc.ClientConnInterface, retry Retry, log *zap.Logger) Client {
	return &grpcClient{conn: conn, retry: retry, log: log.Named("inventory")}
}

func NewFilterClient(conn grpc.ClientConnInterface, retry Retry, log *zap.Logger) FilterClient {
	return &grpcClient{conn: conn, retry: retry, log: log.Named("filter")}
}

func newRequest(fields map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encode inventory request")
	}
	return req, nil
}

// serverStream retries only while nothing has been delivered; a stream broken mid-way is not replayed.
func (c *grpcClient) serverStream(ctx context.Context, method string, req *structpb.Struct, fn func(map[string]any) error) error {
	delivered := false
	return c.retry.Do(ctx, c.log, method, func(ctx context.Context) error {
		stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, method)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(req); err != nil {
			return err
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if delivered {
					return apperr.Wrap(err, apperr.CodeInternal, "stream interrupted after delivery")
				}
				return err
			}
			delivered = true
			if err := fn(msg.AsMap()); err != nil {
				return err
			}
		}
	})
}

func (c *grpcClient) unary(ctx context.Context, method string, req *structpb.Struct) (map[string]any, error) {
	var out map[string]any
	err := c.retry.Do(ctx, c.log, method, func(ctx context.Context) error {
		resp := &structpb.Struct{}
		if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
			return err
		}
		out = resp.AsMap()
		return nil
	})
	return out, err
}

func (c *grpcClient) StreamMOs(ctx context.Context, tmoID int64, tprmIDs []int64, fn func(mo *models.MO) error) error {
	req, err := newRequest(map[string]any{"tmo_id": tmoID, "tprm_ids": int64sToValues(tprmIDs)})
	if err != nil {
		return err
	}
	return c.serverStream(ctx, MethodStreamMOs, req, func(m map[string]any) error {
		mo, err := DecodeMO(m)
		if err != nil {
			return err
		}
		return fn(mo)
	})
}

func (c *grpcClient) BatchGetMOs(ctx context.Context, ids []int64) ([]*models.MO, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req, err := newRequest(map[string]any{"mo_ids": int64sToValues(ids)})
	if err != nil {
		return nil, err
	}
	var mos []*models.MO
	err = c.serverStream(ctx, MethodBatchGetMOs, req, func(m map[string]any) error {
		mo, err := DecodeMO(m)
		if err != nil {
			return err
		}
		mos = append(mos, mo)
		return nil
	})
	return mos, err
}

func (c *grpcClient) BatchGetPRMs(ctx context.Context, ids []int64) ([]*models.PRM, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req, err := newRequest(map[string]any{"prm_ids": int64sToValues(ids)})
	if err != nil {
		return nil, err
	}
	var prms []*models.PRM
	err = c.serverStream(ctx, MethodBatchGetPRMs, req, func(m map[string]any) error {
		prm, err := DecodePRM(m)
		if err != nil {
			return err
		}
		prms = append(prms, prm)
		return nil
	})
	return prms, err
}

func (c *grpcClient) GetTPRMs(ctx context.Context, ids []int64) ([]*models.TPRM, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	req, err := newRequest(map[string]any{"tprm_ids": int64sToValues(ids)})
	if err != nil {
		return nil, err
	}
	resp, err := c.unary(ctx, MethodGetTPRMs, req)
	if err != nil {
		return nil, err
	}
	items, _ := resp["items"].([]any)
	tprms := make([]*models.TPRM, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, contractError("tprm", "items", item)
		}
		t, err := DecodeTPRM(m)
		if err != nil {
			return nil, err
		}
		tprms = append(tprms, t)
	}
	return tprms, nil
}

func (c *grpcClient) GetMOLinkTPRMs(ctx context.Context, tmoID int64) ([]int64, error) {
	req, err := newRequest(map[string]any{"tmo_id": tmoID})
	if err != nil {
		return nil, err
	}
	resp, err := c.unary(ctx, MethodGetMOLinkTPRMs, req)
	if err != nil {
		return nil, err
	}
	return valuesToInt64s(resp["tprm_ids"]), nil
}

func (c *grpcClient) DescendantMOIDs(ctx context.Context, groups []DescendantGroup) (map[string][]int64, error) {
	out := make(map[string][]int64, len(groups))
	if len(groups) == 0 {
		return out, nil
	}
	list := make([]any, 0, len(groups))
	for _, g := range groups {
		list = append(list, map[string]any{
			"key":    g.Key,
			"tmo_id": g.TMOID,
			"mo_ids": int64sToValues(g.MOIDs),
		})
	}
	req, err := newRequest(map[string]any{"groups": list})
	if err != nil {
		return nil, err
	}
	resp, err := c.unary(ctx, MethodDescendantMOIDs, req)
	if err != nil {
		return nil, err
	}
	items, _ := resp["groups"].([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, contractError("descendants", "groups", item)
		}
		key, ok := m["key"].(string)
		if !ok {
			return nil, contractError("descendants", "key", m["key"])
		}
		out[key] = append(out[key], valuesToInt64s(m["mo_ids"])...)
	}
	return out, nil
}

func (c *grpcClient) LifecycleForTMO(ctx context.Context, tmoIDs []int64) ([]int64, error) {
	req, err := newRequest(map[string]any{"tmo_ids": int64sToValues(tmoIDs)})
	if err != nil {
		return nil, err
	}
	resp, err := c.unary(ctx, MethodLifecycleTMOs, req)
	if err != nil {
		return nil, err
	}
	return valuesToInt64s(resp["tmo_ids"]), nil
}

func (c *grpcClient) SeverityFor(ctx context.Context, tmoID int64, moIDs []int64) (int64, error) {
	req, err := newRequest(map[string]any{"tmo_id": tmoID, "mo_ids": int64sToValues(moIDs)})
	if err != nil {
		return 0, err
	}
	resp, err := c.unary(ctx, MethodSeverityFor, req)
	if err != nil {
		return 0, err
	}
	sev, err := optionalInt(resp, "severity")
	if err != nil || sev == nil {
		return 0, err
	}
	return *sev, nil
}

func (c *grpcClient) MOIDsByFilter(ctx context.Context, q FilterQuery) ([]int64, error) {
	fields := map[string]any{
		"tmo_id":   q.TMOID,
		"filter":   q.Predicate.String(),
		"only_ids": true,
	}
	if q.MOIDs != nil {
		fields["mo_ids"] = int64sToValues(q.MOIDs)
	}
	if q.PIDs != nil {
		fields["p_ids"] = int64sToValues(q.PIDs)
	}
	if len(q.TPRMIDs) > 0 {
		fields["tprm_ids"] = int64sToValues(q.TPRMIDs)
	}
	req, err := newRequest(fields)
	if err != nil {
		return nil, err
	}
	resp, err := c.unary(ctx, MethodMOIDsByFilter, req)
	if err != nil {
		return nil, err
	}
	return valuesToInt64s(resp["mo_ids"]), nil
}
