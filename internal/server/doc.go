// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、録画状態の照会API、手動録画操作API、
// ライフサイクルイベントのWebSocket配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - マシン・カメラ・セッションの状態照会
//   - 手動録画の開始・停止の受付
//   - WebSocket接続の確立とイベント配信
//   - グレースフルシャットダウン
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - 複数クライアントの同時接続をサポート
package server
