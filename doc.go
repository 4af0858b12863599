// Package fileyeet 提供点对点文件直传的客户端入口
//
// 两个各自位于 NAT 后的节点借助轻量的汇合服务器完成发现与
// 地址交换，随后直接建立加密连接传输文件，数据不经过任何
// 中转。汇合服务器只做匹配：发布者按内容标识（文件的 SHA-256
// 摘要）注册，订阅者按同一标识查找，服务器向双方派发对端的
// 候选地址，之后的打洞与传输完全在对等双方之间进行。
//
// 基本用法：
//
//	node, err := fileyeet.New(ctx,
//	    fileyeet.WithServer("yeet.example.com:7828"),
//	)
//	if err != nil { ... }
//	defer node.Close()
//
//	// 发布方
//	id, size, _ := transfer.HashFile("video.mkv")
//	pub, _ := node.Publish(ctx, id)
//	for conn := range pub.Conns() {
//	    // 在 conn 上应答传输请求
//	}
//
//	// 订阅方
//	conn, _ := node.Subscribe(ctx, id)
//	// 在 conn 上发起传输请求
//
// 节点的控制连接、打洞报文与对等连接共享同一个本地 UDP 端口，
// 这是打洞成功的前提；Node 内部保证这一点，调用方无需关心。
package fileyeet
