package proxy

import (
	"context"
	"encoding/json"
	"fmt"
)

// handle is the shared base of all concrete device proxies: one service id
// bound to one session on the long-lived client.
type handle struct {
	client    *Client
	serviceID string
	sessionID string
}

type pongResponse struct {
	Result string `json:"result"`
}

func (h *handle) Ping(ctx context.Context) error {
	var out pongResponse
	if err := h.client.Call(ctx, h.serviceID, h.sessionID, "ping", nil, &out); err != nil {
		return err
	}
	if out.Result != "pong" {
		return fmt.Errorf("service %s ping returned %q", h.serviceID, out.Result)
	}
	return nil
}

type slotArgs struct {
	Slot int `json:"slot"`
}

type locationArgs struct {
	Slot     int    `json:"slot"`
	Location string `json:"location"`
}

type stringResult struct {
	Result string `json:"result"`
}

type incubatorProxy struct {
	handle
}

func (p *incubatorProxy) GetSampleFromSlotToTransferStation(ctx context.Context, slot int) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "get_sample_from_slot_to_transfer_station", slotArgs{Slot: slot}, nil)
}

func (p *incubatorProxy) PutSampleFromTransferStationToSlot(ctx context.Context, slot int) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "put_sample_from_transfer_station_to_slot", slotArgs{Slot: slot}, nil)
}

func (p *incubatorProxy) UpdateSampleLocation(ctx context.Context, slot int, location string) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "update_sample_location", locationArgs{Slot: slot, Location: location}, nil)
}

func (p *incubatorProxy) GetSampleLocation(ctx context.Context, slot int) (string, error) {
	var out stringResult
	if err := p.client.Call(ctx, p.serviceID, p.sessionID, "get_sample_location", slotArgs{Slot: slot}, &out); err != nil {
		return "", err
	}
	return out.Result, nil
}

func (p *incubatorProxy) GetWellPlateType(ctx context.Context, slot int) (string, error) {
	var out stringResult
	if err := p.client.Call(ctx, p.serviceID, p.sessionID, "get_well_plate_type", slotArgs{Slot: slot}, &out); err != nil {
		return "", err
	}
	return out.Result, nil
}

type targetArgs struct {
	Target int `json:"target"`
}

type armProxy struct {
	handle
}

func (p *armProxy) IncubatorToMicroscope(ctx context.Context, target int) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "incubator_to_microscope", targetArgs{Target: target}, nil)
}

func (p *armProxy) MicroscopeToIncubator(ctx context.Context, target int) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "microscope_to_incubator", targetArgs{Target: target}, nil)
}

type microscopeProxy struct {
	handle
}

func (p *microscopeProxy) HomeStage(ctx context.Context) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "home_stage", nil, nil)
}

func (p *microscopeProxy) ReturnStage(ctx context.Context) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "return_stage", nil, nil)
}

func (p *microscopeProxy) ScanStart(ctx context.Context, cfg ScanConfig) error {
	return p.client.Call(ctx, p.serviceID, p.sessionID, "scan_start", cfg, nil)
}

func (p *microscopeProxy) ScanGetStatus(ctx context.Context) (ScanStatus, error) {
	var out ScanStatus
	if err := p.client.Call(ctx, p.serviceID, p.sessionID, "scan_get_status", nil, &out); err != nil {
		return ScanStatus{}, err
	}
	return out, nil
}

func (p *microscopeProxy) ProcessTimelapseOffline(ctx context.Context, req OfflineRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := p.client.Call(ctx, p.serviceID, p.sessionID, "process_timelapse_offline", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
