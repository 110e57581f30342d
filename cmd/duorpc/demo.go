package main

import (
	"context"
	"errors"
	"time"

	"duorpc/message"
	"duorpc/server"
)

// Calc is registered as a service, so its methods are Calc.Add and Calc.Div.
type Calc struct{}

type CalcArgs struct {
	A, B float64
}

func (*Calc) Add(args *CalcArgs, reply *float64) error {
	*reply = args.A + args.B
	return nil
}

func (*Calc) Div(args *CalcArgs, reply *float64) error {
	if args.B == 0 {
		return message.DataError(message.CodeInvalidParams, "division by zero", args)
	}
	*reply = args.A / args.B
	return nil
}

func registerDemo(svr *server.Server) error {
	return errors.Join(
		svr.RegisterService(&Calc{}),
		svr.Register("ping", func() (string, error) { return "pong", nil }),
		svr.Register("echo", func(v any) (any, error) { return v, nil }),
		svr.Register("sum", func(nums []float64) (float64, error) {
			var total float64
			for _, n := range nums {
				total += n
			}
			return total, nil
		}),
		// tick pushes n notifications, one every interval ms, before answering.
		svr.Register("tick", func(ctx context.Context, args [2]int) (int, error) {
			n, interval := args[0], time.Duration(args[1])*time.Millisecond
			scope := server.ScopeFrom(ctx)
			for i := 1; i <= n; i++ {
				if interval > 0 {
					select {
					case <-ctx.Done():
						return i - 1, ctx.Err()
					case <-time.After(interval):
					}
				}
				if err := scope.Notify("tick", i); err != nil {
					return i - 1, err
				}
			}
			return n, nil
		}),
		// ask puts the question to the client and answers with what the client replied.
		// Only direct sessions can answer, over HTTP it fails with ErrNoReturnPath.
		svr.Register("ask", func(ctx context.Context, question string) (string, error) {
			scope := server.ScopeFrom(ctx)
			var answer string
			if err := scope.Call(ctx, "question", question, &answer); err != nil {
				return "", err
			}
			scope.SetDiagData(map[string]string{"question": question})
			return answer, nil
		}),
	)
}
