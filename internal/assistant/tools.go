package assistant

import "github.com/mark3labs/mcp-go/mcp"

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool("set_device_state",
			mcp.WithDescription("Set a device state such as on, off, open, locked, or a numeric level"),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
			mcp.WithString("state",
				mcp.Description("Target state, e.g. \"on\", \"off\", \"locked\""),
			),
			mcp.WithNumber("level",
				mcp.Description("Numeric level; used when state is omitted"),
			),
		),
		s.handleSetDeviceState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("get_device_state",
			mcp.WithDescription("Get the current canonical state of a device"),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Device ID"),
			),
		),
		s.handleGetDeviceState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool("list_room_devices",
			mcp.WithDescription("List the devices of a room that the caller may control"),
			mcp.WithString("room_id",
				mcp.Required(),
				mcp.Description("Room ID"),
			),
		),
		s.handleListRoomDevices,
	)
}
