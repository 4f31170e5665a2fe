/*
Package api exposes the operational endpoints of a dispatcher server.

# HTTP

HTTPServer serves:

	GET /health   component health, 503 when any component is unhealthy
	GET /ready    200 once the store, runner and api components are ready
	GET /live     always 200 while the process runs
	GET /metrics  Prometheus metrics
	GET /jobs     last outcome of each background job

Other methods on these paths answer 405.

# gRPC

GRPCServer registers the standard grpc.health.v1 service. Both the empty
service name and "dispatcher" report SERVING when the health registry is
ready. Watch keeps them in sync; Stop flips them to NOT_SERVING before the
graceful stop.

	srv := api.NewGRPCServer(metrics.Default())
	go srv.Watch(ctx, 5*time.Second)
	err := srv.Start("127.0.0.1:9101")

Every unary call goes through LoggingInterceptor.
*/
package api
