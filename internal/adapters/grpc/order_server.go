package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"ordersaga/internal/breaker"
	"ordersaga/internal/orders"
	"ordersaga/internal/orders/saga"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	PlaceOrder(ctx context.Context, productID string, qty int, amount float64) (orders.OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (saga.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

// PlaceOrder runs the saga for {product_id, quantity, amount} and answers
// {order_id, status, reason}.
func (s *OrderServer) PlaceOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	productID := fields["product_id"].GetStringValue()
	qty, err := integerField(fields, "quantity")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	amount := fields["amount"].GetNumberValue()

	result, err := s.service.PlaceOrder(ctx, productID, qty, amount)
	if err != nil {
		return nil, withOrderDetails(mapOrderError(err), result)
	}

	resp, err := structpb.NewStruct(resultFields(result))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

// GetOrder returns the full persisted order for {order_id}.
func (s *OrderServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID := req.GetFields()["order_id"].GetStringValue()
	if orderID == "" {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}

	order, err := s.service.GetOrder(ctx, orderID)
	if err != nil {
		return nil, mapOrderError(err)
	}

	resp, err := structpb.NewStruct(orderFields(order))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return resp, nil
}

func resultFields(result orders.OrderResult) map[string]any {
	return map[string]any{
		"order_id": result.OrderID,
		"status":   string(result.Status),
		"reason":   string(result.Reason),
	}
}

// withOrderDetails attaches {order_id, status, reason} to err when the order
// was created before the call was cut short, so the caller can poll GetOrder.
func withOrderDetails(err error, result orders.OrderResult) error {
	if result.OrderID == "" {
		return err
	}
	detail, derr := structpb.NewStruct(resultFields(result))
	if derr != nil {
		return err
	}
	st, derr := status.Convert(err).WithDetails(detail)
	if derr != nil {
		return err
	}
	return st.Err()
}

// OrderFromError extracts the order reference carried by a PlaceOrder error
// status. ok is false when the order was never created.
func OrderFromError(err error) (orderID string, orderStatus saga.Status, ok bool) {
	st, isStatus := status.FromError(err)
	if !isStatus {
		return "", "", false
	}
	for _, d := range st.Details() {
		detail, isStruct := d.(*structpb.Struct)
		if !isStruct {
			continue
		}
		id := detail.GetFields()["order_id"].GetStringValue()
		if id == "" {
			continue
		}
		return id, saga.Status(detail.GetFields()["status"].GetStringValue()), true
	}
	return "", "", false
}

func integerField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, fmt.Errorf("%s must be a whole number", name)
	}
	return int(n.NumberValue), nil
}

func orderFields(order saga.Order) map[string]any {
	steps := make([]any, 0, len(order.Steps))
	for _, step := range order.Steps {
		steps = append(steps, map[string]any{
			"step":    string(step.Step),
			"outcome": step.Outcome,
			"detail":  step.Detail,
			"at":      step.At.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{
		"order_id":   order.ID,
		"product_id": order.ProductID,
		"quantity":   order.Quantity,
		"amount":     order.Amount,
		"status":     string(order.Status),
		"reason":     string(order.Reason),
		"receipt_id": order.ReceiptID,
		"steps":      steps,
		"created_at": order.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version":    order.Version,
	}
}

func mapOrderError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, orders.ErrInvalidOrder) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, saga.ErrOrderNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, orders.ErrUnavailable) || breaker.IsOpen(err) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
