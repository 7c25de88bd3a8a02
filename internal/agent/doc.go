// Package agent manages connections to the completion agent.
//
// A Client wraps one transport. It answers the agent's own requests, keeps
// the account state for that connection, and exposes the agent's methods as
// blocking calls that honor a context:
//
//	c, err := agent.Start(process.Command{Path: "node", Args: []string{"agent.js", "--stdio"}})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	if _, err := c.Initialize(ctx, root); err != nil {
//		return err
//	}
//	acct, err := c.CheckStatus(ctx, false)
//
// A Registry maps editor windows to clients and views to windows.
package agent
