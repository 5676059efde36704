package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// updateExpr accumulates the clauses of one UpdateItem call. Patches are
// closed structs, so the set of possible clauses is fixed at compile time —
// no dynamic field lists assembled per call site.
type updateExpr struct {
	sets      []string
	adds      []string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

func newUpdateExpr() *updateExpr {
	return &updateExpr{
		names:  make(map[string]string),
		values: make(map[string]types.AttributeValue),
	}
}

// set adds a SET clause for one attribute. The attribute name is always
// aliased; "status" is a DynamoDB reserved word and aliasing everything keeps
// the builder uniform.
func (e *updateExpr) set(attr string, value types.AttributeValue) {
	alias := "#" + attr
	placeholder := ":" + attr
	e.names[alias] = attr
	e.values[placeholder] = value
	e.sets = append(e.sets, alias+" = "+placeholder)
}

// add adds an ADD clause for one numeric attribute (atomic counter update).
func (e *updateExpr) add(attr string, delta int) {
	if delta == 0 {
		return
	}
	alias := "#" + attr
	placeholder := ":d_" + attr
	e.names[alias] = attr
	e.values[placeholder] = &types.AttributeValueMemberN{Value: strconv.Itoa(delta)}
	e.adds = append(e.adds, alias+" "+placeholder)
}

// expression renders the final UpdateExpression string.
func (e *updateExpr) expression() string {
	var parts []string
	if len(e.sets) > 0 {
		parts = append(parts, "SET "+strings.Join(e.sets, ", "))
	}
	if len(e.adds) > 0 {
		parts = append(parts, "ADD "+strings.Join(e.adds, ", "))
	}
	return strings.Join(parts, " ")
}

// buildJobUpdate maps a JobPatch onto a single atomic update expression.
// now is stamped into updatedAt on every patch.
func buildJobUpdate(patch JobPatch, now int64) (*updateExpr, error) {
	e := newUpdateExpr()

	if patch.Status != nil {
		e.set("status", &types.AttributeValueMemberS{Value: *patch.Status})
		if len(patch.StatusIf) > 0 {
			placeholders := make([]string, len(patch.StatusIf))
			for i, s := range patch.StatusIf {
				p := fmt.Sprintf(":sif%d", i)
				placeholders[i] = p
				e.values[p] = &types.AttributeValueMemberS{Value: s}
			}
			e.names["#status"] = "status"
			e.condition = "#status IN (" + strings.Join(placeholders, ", ") + ")"
		}
	}
	if patch.Reason != nil {
		e.set("reason", &types.AttributeValueMemberS{Value: *patch.Reason})
	}
	if patch.Result != nil {
		av, err := attributevalue.Marshal(patch.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal job result: %w", err)
		}
		e.set("result", av)
	}
	if patch.ResultManifestKey != nil {
		e.set("resultManifestKey", &types.AttributeValueMemberS{Value: *patch.ResultManifestKey})
	}
	if patch.FallbackMode != nil {
		e.set("fallbackMode", &types.AttributeValueMemberBOOL{Value: *patch.FallbackMode})
	}
	if patch.CanResume != nil {
		e.set("canResume", &types.AttributeValueMemberBOOL{Value: *patch.CanResume})
	}
	if patch.TotalCount != nil {
		e.set("totalCount", &types.AttributeValueMemberN{Value: strconv.Itoa(*patch.TotalCount)})
	}
	if patch.LedgerEntryID != nil {
		e.set("ledgerEntryId", &types.AttributeValueMemberS{Value: *patch.LedgerEntryID})
	}
	if patch.Counters != nil {
		e.add("pendingCount", patch.Counters.Pending)
		e.add("processingCount", patch.Counters.Processing)
		e.add("completedCount", patch.Counters.Completed)
		e.add("failedCount", patch.Counters.Failed)
	}

	e.set("updatedAt", &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)})
	return e, nil
}

// buildItemUpdate maps an ItemPatch onto a single atomic update expression.
func buildItemUpdate(patch ItemPatch) *updateExpr {
	e := newUpdateExpr()

	if patch.Status != nil {
		e.set("status", &types.AttributeValueMemberS{Value: *patch.Status})
	}
	if patch.AttemptsDelta != 0 {
		e.add("attempts", patch.AttemptsDelta)
	}
	if patch.LastAttemptAt != nil {
		e.set("lastAttemptAt", &types.AttributeValueMemberN{Value: strconv.FormatInt(*patch.LastAttemptAt, 10)})
	}
	if patch.CurrentStep != nil {
		e.set("currentStep", &types.AttributeValueMemberS{Value: *patch.CurrentStep})
	}
	if patch.Error != nil {
		e.set("error", &types.AttributeValueMemberS{Value: *patch.Error})
	}
	if patch.ProxyKey != nil {
		e.set("proxyKey", &types.AttributeValueMemberS{Value: *patch.ProxyKey})
	}
	if patch.ResultRef != nil {
		e.set("resultRef", &types.AttributeValueMemberS{Value: *patch.ResultRef})
	}
	return e
}
