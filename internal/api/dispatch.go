package api

import (
	"context"
	"encoding/json"

	"github.com/antigravity-dev/gameserver/internal/apperr"
	"github.com/antigravity-dev/gameserver/internal/service/item"
	"github.com/antigravity-dev/gameserver/internal/types"
)

// buildTable assembles the api_code -> handler map, partitioned by
// thousands: 1xxx system, 2xxx building, 3xxx research, 4xxx unit, 5xxx
// item, 6xxx mission, 7xxx alliance, 8xxx shop.
func (s *Server) buildTable() map[int]dispatchEntry {
	t := map[int]dispatchEntry{}

	reg := func(code int, name string, h func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error)) {
		t[code] = dispatchEntry{name: name, handle: h}
	}

	// 1xxx — system / login / resource query
	reg(1001, "login", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Username string `json:"username"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Login.Login(ctx, userID, p.Username)
	})
	reg(1002, "resource_info", func(ctx context.Context, svc Services, userID int64, _ json.RawMessage) (any, error) {
		return svc.Resource.Info(ctx, userID)
	})
	reg(1003, "buff_list", func(ctx context.Context, svc Services, userID int64, _ json.RawMessage) (any, error) {
		return svc.Buff.List(ctx, userID)
	})

	// 2xxx — building
	reg(2001, "building_info", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Building.Info(ctx, userID, p.Idx)
	})
	reg(2002, "building_create", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Building.Create(ctx, userID, p.Idx)
	})
	reg(2003, "building_upgrade", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Building.Upgrade(ctx, userID, p.Idx)
	})
	reg(2004, "building_cancel", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Building.Cancel(ctx, userID, p.Idx)
	})

	// 3xxx — research
	reg(3001, "research_info", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Research.Info(ctx, userID, p.Idx)
	})
	reg(3002, "research_start", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Research.Start(ctx, userID, p.Idx)
	})
	reg(3003, "research_cancel", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Research.Cancel(ctx, userID, p.Idx)
	})

	// 4xxx — unit
	reg(4001, "unit_info", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Unit.Info(ctx, userID, p.Idx)
	})
	reg(4002, "unit_train", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx   string `json:"idx"`
			Count int64  `json:"count"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Unit.Train(ctx, userID, p.Idx, p.Count)
	})
	reg(4003, "unit_cancel", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx   string `json:"idx"`
			SubID string `json:"sub_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Unit.Cancel(ctx, userID, p.Idx, p.SubID)
	})
	reg(4004, "unit_upgrade", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			SourceIdx string `json:"source_idx"`
			TargetIdx string `json:"target_idx"`
			Count     int64  `json:"count"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Unit.Upgrade(ctx, userID, p.SourceIdx, p.TargetIdx, p.Count)
	})

	// 5xxx — item
	reg(5001, "item_detail", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Item.Detail(ctx, userID, p.Idx)
	})
	reg(5002, "item_use", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx          string `json:"idx"`
			Count        int64  `json:"count"`
			TargetClass  string `json:"target_class"`
			TargetTaskID string `json:"target_task_id"`
			TargetSubID  string `json:"target_sub_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		var target *item.SpeedupTarget
		if p.TargetClass != "" {
			target = &item.SpeedupTarget{
				Class:  types.TaskClass(p.TargetClass),
				TaskID: p.TargetTaskID,
				SubID:  p.TargetSubID,
			}
		}
		return svc.Item.Use(ctx, userID, p.Idx, p.Count, target)
	})

	// 6xxx — mission
	reg(6001, "mission_info", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Mission.Info(ctx, userID, p.Idx)
	})
	reg(6002, "mission_claim", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Idx string `json:"idx"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Mission.Claim(ctx, userID, p.Idx)
	})

	// 7xxx — alliance
	reg(7001, "alliance_create", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return svc.Alliance.Create(ctx, userID, p.Name)
	})
	reg(7002, "alliance_join", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Join(ctx, userID, p.AllianceID)
	})
	reg(7003, "alliance_leave", func(ctx context.Context, svc Services, userID int64, _ json.RawMessage) (any, error) {
		return nil, svc.Alliance.Leave(ctx, userID)
	})
	reg(7008, "alliance_apply", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Apply(ctx, userID, p.AllianceID)
	})
	reg(7009, "alliance_approve", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			TargetID   int64 `json:"target_id"`
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Approve(ctx, userID, p.TargetID, p.AllianceID)
	})
	reg(7010, "alliance_reject", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			TargetID   int64 `json:"target_id"`
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Reject(ctx, userID, p.TargetID, p.AllianceID)
	})
	reg(7004, "alliance_kick", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			TargetID   int64 `json:"target_id"`
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Kick(ctx, userID, p.TargetID, p.AllianceID)
	})
	reg(7005, "alliance_promote", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			TargetID   int64  `json:"target_id"`
			AllianceID int64  `json:"alliance_id"`
			Role       string `json:"role"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Promote(ctx, userID, p.TargetID, p.AllianceID, p.Role)
	})
	reg(7006, "alliance_donate", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			AllianceID int64            `json:"alliance_id"`
			Costs      map[string]int64 `json:"costs"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Donate(ctx, userID, p.AllianceID, p.Costs)
	})
	reg(7007, "alliance_disband", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			AllianceID int64 `json:"alliance_id"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Alliance.Disband(ctx, userID, p.AllianceID)
	})

	// 8xxx — shop
	reg(8001, "shop_list", func(ctx context.Context, svc Services, userID int64, _ json.RawMessage) (any, error) {
		return svc.Shop.List(ctx, userID)
	})
	reg(8002, "shop_buy", func(ctx context.Context, svc Services, userID int64, data json.RawMessage) (any, error) {
		var p struct {
			Slot int `json:"slot"`
		}
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return nil, svc.Shop.Buy(ctx, userID, p.Slot)
	})

	return t
}

// decode unmarshals a command's data payload, reporting malformed bodies
// as a Validation error so the dispatcher's envelope translation applies.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validationf("data", "malformed payload: %v", err)
	}
	return nil
}
