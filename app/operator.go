package app

import (
	"context"
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/message"
)

// Operator command names.
const (
	CmdStartGraph = "start_graph"
	CmdStopGraph  = "stop_graph"
	CmdCloseApp   = "close_app"
)

// Operator command properties.
const (
	PropGraphJSON       = "graph_json"
	PropPredefinedGraph = "predefined_graph"
	PropGraphID         = "graph_id"
)

// operatorTimeout bounds an operator command whose context has no deadline.
const operatorTimeout = time.Minute

// HandleCommand runs an operator command and returns its final result. A
// successful start_graph carries the graph id in the graph_id property.
func (a *App) HandleCommand(ctx context.Context, cmd *message.Command) *message.CommandResult {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, operatorTimeout)
		defer cancel()
	}

	var (
		graphID string
		err     error
	)
	switch cmd.Name {
	case CmdStartGraph:
		graphID, err = a.StartGraph(ctx, StartGraphRequest{
			GraphJSON:       cmd.PropertyString(PropGraphJSON),
			PredefinedGraph: cmd.PropertyString(PropPredefinedGraph),
			GraphID:         cmd.PropertyString(PropGraphID),
		})
	case CmdStopGraph:
		graphID = cmd.PropertyString(PropGraphID)
		err = a.StopGraph(ctx, graphID)
	case CmdCloseApp:
		a.Close()
	default:
		err = errors.NotFound("operator command " + cmd.Name)
	}

	if err != nil {
		a.logger.Warn("operator command failed", map[string]interface{}{
			"cmd":   cmd.Name,
			"error": err.Error(),
		})
		res := message.NewResult(cmd, statusOf(err))
		res.Detail = err.Error()
		return res
	}
	res := message.NewResult(cmd, message.StatusOK)
	if graphID != "" {
		_ = res.SetProperty(PropGraphID, graphID)
	}
	return res
}

func statusOf(err error) message.StatusCode {
	switch {
	case errors.Is(err, errors.ErrCodeAlreadyClosed):
		return message.StatusClosed
	case errors.Is(err, errors.ErrCodeTimeout):
		return message.StatusTimeout
	default:
		return message.StatusError
	}
}
