// Package lifecycle は録画ライフサイクルイベントの配信を担う
//
// # 責務
// - Begin受理・録画開始・録画終了・カメラ障害などの型付きイベントの発行
// - 0個以上の購読者（WebSocket接続など）への配信
//
// # 仕様
// - 購読者ごとに境界付きバッファを持ち、あふれた分は捨てる
// - 遅い購読者が発行側をブロックすることは決してない
// - 購読解除後のチャンネルはクローズされる
package lifecycle
