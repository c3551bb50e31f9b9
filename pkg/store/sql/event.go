package sql

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/meterlab/ammeter-pu/pkg/contract"
	"github.com/meterlab/ammeter-pu/pkg/entities"
	"github.com/meterlab/ammeter-pu/pkg/query"
	"github.com/meterlab/ammeter-pu/pkg/query/parser"
	"github.com/meterlab/ammeter-pu/pkg/store/sql/model"
	"github.com/meterlab/ammeter-pu/pkg/utils"
)

var eventOrder = regexp.MustCompile(
	`^(?:(?i:events?|attr|attributes?)\.)?("[^"]+"|` + "`[^`]+`" + `|\w+)(?i:\s+(ASC|DESC))?$`,
)

//nolint:gochecknoglobals
var orderableEventColumns = map[string]struct{}{
	"id":            {},
	"meter_id":      {},
	"line":          {},
	"status":        {},
	"score":         {},
	"peak_value":    {},
	"baseline_mean": {},
	"baseline_std":  {},
	"peer_ratio":    {},
	"point_count":   {},
	"start_time":    {},
	"end_time":      {},
	"reviewed_time": {},
}

func eventNotFound(id string) *contract.Error {
	return contract.NewError(
		contract.ErrorCodeResourceDoesNotExist,
		fmt.Sprintf("No AnomalyEvent with id=%s exists", id),
	)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*entities.AnomalyEvent, *contract.Error) {
	var event model.Event
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, eventNotFound(id)
		}

		return nil, toContractError(err, "failed to get event")
	}

	return event.ToEntity(), nil
}

// lowerLike rewrites ILIKE for dialects without it.
func (s *Store) lowerLike(column, comparison string, value any) (string, any) {
	if comparison != "ILIKE" || s.db.Dialector.Name() == "postgres" {
		return fmt.Sprintf("%s %s ?", column, comparison), value
	}

	if str, ok := value.(string); ok {
		value = strings.ToLower(str)
	}

	return fmt.Sprintf("LOWER(%s) LIKE ?", column), value
}

func (s *Store) applyFilters(transaction *gorm.DB, filter string) *contract.Error {
	conditions, err := query.ParseFilter(filter)
	if err != nil {
		return contract.NewErrorWith(
			contract.ErrorCodeInvalidParameterValue,
			"error parsing search filter",
			err,
		)
	}

	logrus.Debugf("Filter conditions: %#v", conditions)

	for index, condition := range conditions {
		comparison := condition.Operator.String()

		switch condition.Identifier {
		case parser.Event:
			where, value := s.lowerLike("anomaly_events."+condition.Key, comparison, condition.Value)
			transaction.Where(where, value)
		case parser.Meter:
			// JOIN (
			//   SELECT meter_id FROM meters WHERE <key> <comparison> ?
			// ) AS filter_0 ON anomaly_events.meter_id = filter_0.meter_id
			table := fmt.Sprintf("filter_%d", index)
			where, value := s.lowerLike(condition.Key, comparison, condition.Value)

			transaction.Joins(
				fmt.Sprintf("JOIN (?) AS %s ON anomaly_events.meter_id = %s.meter_id", table, table),
				s.db.Model(&model.Meter{}).Select("meter_id").Where(where, value),
			)
		}
	}

	return nil
}

func applyOrderBy(transaction *gorm.DB, orderBy []string) *contract.Error {
	scoreOrder := false

	for _, orderByClause := range orderBy {
		components := eventOrder.FindStringSubmatch(strings.TrimSpace(orderByClause))
		//nolint:mnd
		if len(components) < 2 {
			return contract.NewError(
				contract.ErrorCodeInvalidParameterValue,
				"invalid order by clause: "+orderByClause,
			)
		}

		column := strcase.ToSnake(strings.Trim(components[1], "`\""))
		if column == "event_id" {
			column = "id"
		}

		if _, ok := orderableEventColumns[column]; !ok {
			return contract.NewError(
				contract.ErrorCodeInvalidParameterValue,
				fmt.Sprintf("invalid order by key %q", components[1]),
			)
		}

		if column == "score" {
			scoreOrder = true
		}

		transaction.Order(clause.OrderByColumn{
			Column: clause.Column{Table: "anomaly_events", Name: column},
			Desc:   len(components) == 3 && strings.EqualFold(components[2], "DESC"),
		})
	}

	if !scoreOrder {
		transaction.Order("anomaly_events.score DESC")
	}

	transaction.Order("anomaly_events.id")

	return nil
}

func (s *Store) SearchEvents(
	ctx context.Context,
	datasetID string,
	filter string,
	maxResults int,
	orderBy []string,
	pageToken string,
) (*entities.PagedList[*entities.AnomalyEvent], *contract.Error) {
	if _, err := s.getDataset(s.db.WithContext(ctx), datasetID); err != nil {
		return nil, toContractError(err, "failed to search events")
	}

	transaction := s.db.WithContext(ctx).Model(&model.Event{}).
		Where("anomaly_events.dataset_id = ?", datasetID)

	transaction.Limit(maxResults)

	offset, contractError := getOffset(pageToken)
	if contractError != nil {
		return nil, contractError
	}

	transaction.Offset(offset)

	if contractError := s.applyFilters(transaction, filter); contractError != nil {
		return nil, contractError
	}

	if contractError := applyOrderBy(transaction, orderBy); contractError != nil {
		return nil, contractError
	}

	var events []model.Event
	if err := transaction.Find(&events).Error; err != nil {
		return nil, toContractError(err, "failed to search events")
	}

	items := make([]*entities.AnomalyEvent, 0, len(events))
	for _, event := range events {
		items = append(items, event.ToEntity())
	}

	nextPageToken, contractError := mkNextPageToken(len(events), maxResults, offset)
	if contractError != nil {
		return nil, contractError
	}

	return &entities.PagedList[*entities.AnomalyEvent]{
		Items:         items,
		NextPageToken: nextPageToken,
	}, nil
}

func (s *Store) ensureLabeling(transaction *gorm.DB, datasetID string) error {
	dataset, err := s.getDataset(transaction, datasetID)
	if err != nil {
		return err
	}

	if dataset.Status != string(entities.DatasetStatusLabeling) {
		return contract.NewError(
			contract.ErrorCodeInvalidState,
			fmt.Sprintf("AnalysisDataset(id=%s) is %s, labels can only change while LABELING", datasetID, dataset.Status),
		)
	}

	return nil
}

func reviewedTime(status entities.EventStatus) *int64 {
	if status == entities.EventStatusUnreviewed {
		return nil
	}

	return utils.PtrTo(time.Now().UnixMilli())
}

func (s *Store) LabelEvent(
	ctx context.Context, id string, status *entities.EventStatus, note *string,
) (*entities.AnomalyEvent, *contract.Error) {
	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var event model.Event
		if err := transaction.Where("id = ?", id).First(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return eventNotFound(id)
			}

			return fmt.Errorf("failed to get event: %w", err)
		}

		if err := s.ensureLabeling(transaction, event.DatasetID); err != nil {
			return err
		}

		updates := map[string]any{}
		if status != nil {
			updates["status"] = string(*status)
			updates["reviewed_time"] = reviewedTime(*status)
		}

		if note != nil {
			updates["note"] = *note
		}

		if len(updates) == 0 {
			return nil
		}

		if err := transaction.Model(&model.Event{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to label event: %w", err)
		}

		return nil
	}); err != nil {
		return nil, toContractError(err, "failed to label event")
	}

	return s.GetEvent(ctx, id)
}

func (s *Store) LabelEvents(
	ctx context.Context, datasetID string, ids []string, status entities.EventStatus,
) (int64, *contract.Error) {
	ids = utils.Dedupe(ids)

	var updated int64

	if err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := s.ensureLabeling(transaction, datasetID); err != nil {
			return err
		}

		var found []string
		if err := transaction.Model(&model.Event{}).
			Where("dataset_id = ? AND id IN ?", datasetID, ids).
			Pluck("id", &found).Error; err != nil {
			return fmt.Errorf("failed to look up events: %w", err)
		}

		if len(found) != len(ids) {
			known := make(map[string]struct{}, len(found))
			for _, id := range found {
				known[id] = struct{}{}
			}

			for _, id := range ids {
				if _, ok := known[id]; !ok {
					return contract.NewError(
						contract.ErrorCodeResourceDoesNotExist,
						fmt.Sprintf("No AnomalyEvent with id=%s exists in AnalysisDataset(id=%s)", id, datasetID),
					)
				}
			}
		}

		result := transaction.Model(&model.Event{}).
			Where("dataset_id = ? AND id IN ?", datasetID, ids).
			Updates(map[string]any{
				"status":        string(status),
				"reviewed_time": reviewedTime(status),
			})
		if result.Error != nil {
			return fmt.Errorf("failed to label events: %w", result.Error)
		}

		updated = result.RowsAffected

		return nil
	}); err != nil {
		return 0, toContractError(err, "failed to label events")
	}

	return updated, nil
}

func (s *Store) ListEvents(ctx context.Context, datasetID string) ([]*entities.AnomalyEvent, *contract.Error) {
	transaction := s.db.WithContext(ctx)

	if _, err := s.getDataset(transaction, datasetID); err != nil {
		return nil, toContractError(err, "failed to list events")
	}

	var events []model.Event
	if err := transaction.Where("dataset_id = ?", datasetID).Order("id").Find(&events).Error; err != nil {
		return nil, toContractError(err, "failed to list events")
	}

	result := make([]*entities.AnomalyEvent, 0, len(events))
	for _, event := range events {
		result = append(result, event.ToEntity())
	}

	return result, nil
}
