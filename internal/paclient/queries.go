package paclient

import (
	"context"

	"github.com/yuuki/paserver/internal/mad"
	"github.com/yuuki/paserver/internal/pa/handlers"
	"github.com/yuuki/paserver/internal/store"
)

// do runs a query and turns a non-OK status into an error.
func (c *Client) do(ctx context.Context, method mad.Method, attr uint16, data []byte) ([]byte, error) {
	res, err := c.Query(ctx, method, attr, data)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *Client) ClassPortInfo(ctx context.Context) (handlers.ClassPortInfo, error) {
	data, err := c.do(ctx, mad.MethodGet, handlers.AttrClassPortInfo, nil)
	if err != nil {
		return handlers.ClassPortInfo{}, err
	}
	return handlers.DecodeClassPortInfo(data)
}

func (c *Client) PMConfig(ctx context.Context) (handlers.PMConfig, error) {
	data, err := c.do(ctx, mad.MethodGet, handlers.AttrPMConfig, nil)
	if err != nil {
		return handlers.PMConfig{}, err
	}
	return handlers.DecodePMConfig(data)
}

func (c *Client) ImageInfo(ctx context.Context, imageNum uint64) (store.ImageInfo, error) {
	data, err := c.do(ctx, mad.MethodGet, handlers.AttrImageInfo, handlers.EncodeImageRequest(imageNum))
	if err != nil {
		return store.ImageInfo{}, err
	}
	return handlers.DecodeImageInfo(data)
}

func (c *Client) PortCounters(ctx context.Context, lid uint32, port uint8, imageNum uint64) (store.PortCounters, error) {
	data, err := c.do(ctx, mad.MethodGet, handlers.AttrPortCounters, handlers.EncodePortCountersRequest(lid, port, imageNum))
	if err != nil {
		return store.PortCounters{}, err
	}
	return handlers.DecodePortCounters(data)
}

// GroupList fetches every group name through an RMPP table transfer.
func (c *Client) GroupList(ctx context.Context, imageNum uint64) ([]string, error) {
	data, err := c.do(ctx, mad.MethodGetTable, handlers.AttrGroupList, handlers.EncodeImageRequest(imageNum))
	if err != nil {
		return nil, err
	}
	return handlers.DecodeGroupList(data)
}

func (c *Client) GroupInfo(ctx context.Context, name string, imageNum uint64) (store.GroupInfo, error) {
	req, err := handlers.EncodeGroupInfoRequest(name, imageNum)
	if err != nil {
		return store.GroupInfo{}, err
	}
	data, err := c.do(ctx, mad.MethodGetTable, handlers.AttrGroupInfo, req)
	if err != nil {
		return store.GroupInfo{}, err
	}
	groups, err := handlers.DecodeGroupInfo(data)
	if err != nil {
		return store.GroupInfo{}, err
	}
	if len(groups) != 1 {
		return store.GroupInfo{}, &StatusError{Status: mad.StatusNoRecords}
	}
	return groups[0], nil
}

// GroupInfoMulti fetches several groups of the latest image in one
// multi-record request.
func (c *Client) GroupInfoMulti(ctx context.Context, names []string) ([]store.GroupInfo, error) {
	req, err := handlers.EncodeGroupNames(names)
	if err != nil {
		return nil, err
	}
	data, err := c.do(ctx, mad.MethodGetMulti, handlers.AttrGroupInfo, req)
	if err != nil {
		return nil, err
	}
	return handlers.DecodeGroupInfo(data)
}
